package allocation

import (
	"encoding/json"
	"time"

	"campusalloc/internal/advisory"
)

// Request types.
const (
	RequestClass     = "CLASS"
	RequestExam      = "EXAM"
	RequestInterview = "INTERVIEW"
)

// Request statuses.
const (
	RequestPending   = "PENDING"
	RequestAllocated = "ALLOCATED"
	RequestCancelled = "CANCELLED"
)

// Allocation statuses and actors.
const (
	AllocationActive   = "ACTIVE"
	AllocationReplaced = "REPLACED"

	AllocatedByAgent  = "AGENT"
	AllocatedByManual = "MANUAL"
)

// Equipment is a set of named boolean capability flags. Unknown or malformed
// payloads at the storage boundary decode to nil, which satisfies nothing
// required and requires nothing.
type Equipment map[string]bool

// Satisfies reports whether the room's equipment covers every flag the
// request requires to be true. Flags required false or absent pass trivially.
func (have Equipment) Satisfies(required Equipment) bool {
	for k, v := range required {
		if v && !have[k] {
			return false
		}
	}
	return true
}

// parseEquipment decodes a JSONB equipment payload, treating malformed or
// empty input as absent.
func parseEquipment(raw []byte) Equipment {
	if len(raw) == 0 {
		return nil
	}
	var eq Equipment
	if err := json.Unmarshal(raw, &eq); err != nil {
		return nil
	}
	return eq
}

// Request is a demand for a room with constraints. Dates are "YYYY-MM-DD",
// times-of-day zero-padded "HH:MM:SS".
type Request struct {
	ID                string    `json:"id"`
	RequesterID       string    `json:"requester_id"`
	Type              string    `json:"request_type"`
	Title             string    `json:"title"`
	Date              string    `json:"request_date"`
	StartTime         string    `json:"start_time"`
	EndTime           string    `json:"end_time"`
	Strength          int       `json:"strength"`
	RequiredEquipment Equipment `json:"required_equipment,omitempty"`
	PreferredBuilding string    `json:"preferred_building,omitempty"`
	Status            string    `json:"status"`
	DecisionReason    string    `json:"decision_reason"`
}

// Room is an allocatable physical room. Inventory is externally managed and
// read-only to the engine.
type Room struct {
	ID         string    `json:"id"`
	RoomNumber string    `json:"room_number"`
	Building   string    `json:"building"`
	Capacity   int       `json:"capacity"`
	Equipment  Equipment `json:"equipment,omitempty"`
	IsActive   bool      `json:"is_active"`
	Status     string    `json:"status"`
}

// Allocation is a committed assignment of one room to one request for one
// interval. Reassignment supersedes, never deletes.
type Allocation struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	RoomID      string `json:"room_id"`
	Date        string `json:"alloc_date"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Status      string `json:"status"`
	AllocatedBy string `json:"allocated_by"`
}

// Conflict is a durable record of a failed allocation with recoverable
// suggestions. At most one unresolved conflict exists per request.
type Conflict struct {
	ID          string        `json:"id"`
	RequestID   string        `json:"request_id"`
	Reason      string        `json:"reason"`
	Suggestions SuggestionSet `json:"suggestions"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Suggestion is a deterministic alternative room/time candidate.
type Suggestion struct {
	RoomID     string `json:"room_id"`
	RoomNumber string `json:"room_number"`
	Building   string `json:"building"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Notes      string `json:"notes"`
}

// SuggestionSet is the payload stored with a conflict: the deterministic base
// list is always present, the advisory object only when the advisory service
// returned a well-formed response.
type SuggestionSet struct {
	Base     []Suggestion     `json:"base"`
	Advisory *advisory.Advice `json:"advisory,omitempty"`
}

// CalendarEvent is an entry in an owner's personal calendar. The upsert key
// is (owner, date, start, end).
type CalendarEvent struct {
	OwnerID   string
	EventType string
	Title     string
	Date      string
	StartTime string
	EndTime   string
	RoomID    string
	RequestID string
}
