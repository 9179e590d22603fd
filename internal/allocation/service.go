package allocation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"campusalloc/internal/advisory"
	"campusalloc/internal/metrics"
	"campusalloc/internal/notify"
	"campusalloc/internal/queue"
)

// Allocation outcomes carried on Result.
const (
	StatusAllocated = "allocated"
	StatusSkipped   = "skipped"
	StatusConflict  = "conflict"
	StatusNotFound  = "not_found"
)

// Conflict codes on structured failures.
const (
	CodeFacultyClash    = "FACULTY_CLASH"
	CodeNoRoomAvailable = "NO_ROOM_AVAILABLE"
)

// Conflict record reasons.
const (
	reasonOwnerClash = "Owner calendar clash for requested time"
	reasonNoRoom     = "No available room for requested time/constraints"
)

const (
	buildingMismatchPenalty = 50
	decisionReasonLimit     = 255
)

// Store is the persistence surface the allocator consumes.
type Store interface {
	GetRequest(ctx context.Context, id string) (*Request, error)
	GetRoom(ctx context.Context, id string) (*Room, error)
	QualifyingRooms(ctx context.Context, strength int) ([]Room, error)
	ActiveAllocations(ctx context.Context, date string) ([]Allocation, error)
	ActiveAllocationForRequest(ctx context.Context, requestID string) (*Allocation, error)
	OwnerHasClash(ctx context.Context, ownerID, date, start, end string) (bool, error)
	ClearOpenConflicts(ctx context.Context, requestID string) error
	InsertConflict(ctx context.Context, requestID, reason string, suggestions SuggestionSet) error
	ReplaceAllocation(ctx context.Context, allocationID string) error
	InsertAllocationGuarded(ctx context.Context, a *Allocation) (bool, error)
	AppendHistory(ctx context.Context, allocationID, action, actorID, notes string) error
	SetRequestDecision(ctx context.Context, requestID, status, reason string) error
	UpsertCalendarEvent(ctx context.Context, ev CalendarEvent) error
	CreateRequest(ctx context.Context, req *Request) error
}

// Advisor produces optional advisory content; absence is nil or "".
type Advisor interface {
	Text(ctx context.Context, instructions, input string, maxTokens int) string
	Advise(ctx context.Context, instructions, input string, maxTokens int) *advisory.Advice
}

// Result is the structured outcome of one allocation attempt. Domain
// outcomes (not found, skipped, conflict) are values here; errors are
// reserved for persistence failures.
type Result struct {
	Status       string         `json:"status"`
	SkipReason   string         `json:"skip_reason,omitempty"`
	ConflictCode string         `json:"conflict_code,omitempty"`
	Suggestions  *SuggestionSet `json:"suggestions,omitempty"`
	AllocationID string         `json:"allocation_id,omitempty"`
	RoomID       string         `json:"room_id,omitempty"`
}

// Service is the room allocator.
type Service struct {
	store    Store
	notifier notify.Notifier
	advisor  Advisor
	events   queue.Queue
	locks    *keyedLocks
	logger   *zap.Logger
}

// NewService creates the allocator.
func NewService(store Store, notifier notify.Notifier, advisor Advisor, events queue.Queue, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		advisor:  advisor,
		events:   events,
		locks:    newKeyedLocks(),
		logger:   logger,
	}
}

// Submit creates a new request and publishes an allocation trigger for the
// worker. The two writes are independent; a lost event is recovered by
// re-running the trigger, not by transactional coupling.
func (s *Service) Submit(ctx context.Context, req *Request) error {
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return err
	}
	msg, err := queue.NewAllocateRoomMessage(queue.AllocateRoomEvent{RequestID: req.ID})
	if err != nil {
		return err
	}
	if err := s.events.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish allocation trigger: %w", err)
	}
	metrics.EventsPublished.WithLabelValues(queue.KindAllocateRoom).Inc()
	return nil
}

// Allocate runs the allocation state machine for one request. It is
// idempotent: re-running on an already-ALLOCATED request without an override
// is a skip, and a CANCELLED request is never touched.
func (s *Service) Allocate(ctx context.Context, requestID, actorID, overrideRoomID string) (Result, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return Result{}, err
	}
	if req == nil {
		return Result{Status: StatusNotFound}, nil
	}

	if req.Status == RequestCancelled {
		metrics.Allocations.WithLabelValues("skipped").Inc()
		return Result{Status: StatusSkipped, SkipReason: "cancelled"}, nil
	}
	if req.Status == RequestAllocated && overrideRoomID == "" {
		metrics.Allocations.WithLabelValues("skipped").Inc()
		return Result{Status: StatusSkipped, SkipReason: "already_allocated"}, nil
	}

	// Owner-level clash gate: only CLASS requests consult the requester's own
	// calendar, and a manual override bypasses the gate.
	if req.Type == RequestClass && overrideRoomID == "" {
		clash, err := s.store.OwnerHasClash(ctx, req.RequesterID, req.Date, req.StartTime, req.EndTime)
		if err != nil {
			return Result{}, err
		}
		if clash {
			return s.ownerClashConflict(ctx, req)
		}
	}

	var room *Room
	if overrideRoomID != "" {
		room, err = s.store.GetRoom(ctx, overrideRoomID)
	} else {
		room, err = s.findBestFit(ctx, req)
	}
	if err != nil {
		return Result{}, err
	}
	if room == nil {
		return s.noRoomConflict(ctx, req)
	}

	// In-process fast path only; the authoritative overlap guard is the
	// database-locked insert below, which also covers the API and the worker
	// racing each other from separate processes.
	unlock := s.locks.lock(room.ID + "|" + req.Date)
	defer unlock()

	manual := overrideRoomID != ""
	allocatedBy := AllocatedByAgent
	if manual {
		allocatedBy = AllocatedByManual
	}

	old, err := s.store.ActiveAllocationForRequest(ctx, req.ID)
	if err != nil {
		return Result{}, err
	}
	if old != nil {
		if err := s.store.ReplaceAllocation(ctx, old.ID); err != nil {
			return Result{}, err
		}
		if err := s.store.AppendHistory(ctx, old.ID, "REASSIGNED", actorID, "Reassigned to new room"); err != nil {
			return Result{}, err
		}
	}

	alloc := &Allocation{
		RequestID:   req.ID,
		RoomID:      room.ID,
		Date:        req.Date,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Status:      AllocationActive,
		AllocatedBy: allocatedBy,
	}
	// The best-fit scan ran outside the lock; the guarded insert re-verifies
	// the chosen room under a database-held lock so a concurrent commit on
	// the same room and date, from this process or another, cannot slip past.
	ok, err := s.store.InsertAllocationGuarded(ctx, alloc)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		unlock()
		return s.noRoomConflict(ctx, req)
	}

	notes := "Auto allocation by engine"
	if manual {
		notes = "Manual override allocation"
	}
	if err := s.store.AppendHistory(ctx, alloc.ID, "CREATED", actorID, notes); err != nil {
		return Result{}, err
	}

	reason := "Allocated by admin override"
	if !manual {
		reason = s.decisionReason(ctx, req, room)
	}
	if err := s.store.SetRequestDecision(ctx, req.ID, RequestAllocated, reason); err != nil {
		return Result{}, err
	}

	if req.Type == RequestClass {
		err := s.store.UpsertCalendarEvent(ctx, CalendarEvent{
			OwnerID:   req.RequesterID,
			EventType: RequestClass,
			Title:     req.Title,
			Date:      req.Date,
			StartTime: req.StartTime,
			EndTime:   req.EndTime,
			RoomID:    room.ID,
			RequestID: req.ID,
		})
		if err != nil {
			return Result{}, err
		}
	}

	s.notifyUser(ctx, req.RequesterID, "Room Allocated",
		fmt.Sprintf("%s: %s %s on %s %s-%s", req.Title, room.Building, room.RoomNumber, req.Date, req.StartTime, req.EndTime),
		notify.PriorityNormal, req.ID)

	metrics.Allocations.WithLabelValues("allocated").Inc()
	s.logger.Info("request allocated",
		zap.String("request_id", req.ID),
		zap.String("room_id", room.ID),
		zap.String("allocated_by", allocatedBy))

	return Result{Status: StatusAllocated, AllocationID: alloc.ID, RoomID: room.ID}, nil
}

// findBestFit selects the candidate room with the lowest score. Score is
// wasted capacity plus a flat penalty when a preferred building is set and
// mismatched; ties break on ascending room id.
func (s *Service) findBestFit(ctx context.Context, req *Request) (*Room, error) {
	rooms, err := s.store.QualifyingRooms(ctx, req.Strength)
	if err != nil {
		return nil, err
	}
	allocs, err := s.store.ActiveAllocations(ctx, req.Date)
	if err != nil {
		return nil, err
	}

	var candidates []Room
	for _, room := range rooms {
		if !room.Equipment.Satisfies(req.RequiredEquipment) {
			continue
		}
		if hasRoomOverlap(allocs, room.ID, req.StartTime, req.EndTime) {
			continue
		}
		candidates = append(candidates, room)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := roomScore(candidates[i], req), roomScore(candidates[j], req)
		if si != sj {
			return si < sj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return &candidates[0], nil
}

func roomScore(room Room, req *Request) int {
	waste := room.Capacity - req.Strength
	if waste < 0 {
		waste = 0
	}
	if req.PreferredBuilding != "" && room.Building != req.PreferredBuilding {
		waste += buildingMismatchPenalty
	}
	return waste
}

func hasRoomOverlap(allocs []Allocation, roomID, start, end string) bool {
	for _, a := range allocs {
		if a.RoomID != roomID {
			continue
		}
		if overlaps(start, end, a.StartTime, a.EndTime) {
			return true
		}
	}
	return false
}

// ownerClashConflict records the clash conflict with deterministic
// alternative-time suggestions. No advisory call and no allocation attempt.
func (s *Service) ownerClashConflict(ctx context.Context, req *Request) (Result, error) {
	if err := s.store.ClearOpenConflicts(ctx, req.ID); err != nil {
		return Result{}, err
	}

	base, err := s.buildSuggestions(ctx, req, suggestionLimit)
	if err != nil {
		return Result{}, err
	}
	sug := SuggestionSet{Base: base}

	if err := s.store.InsertConflict(ctx, req.ID, reasonOwnerClash, sug); err != nil {
		return Result{}, err
	}

	s.notifyUser(ctx, req.RequesterID, "Room Allocation Conflict",
		fmt.Sprintf("You already have a calendar entry at %s %s-%s. Please pick another slot.",
			req.Date, req.StartTime, req.EndTime),
		notify.PriorityHigh, req.ID)
	s.notifyAdmins(ctx, "Room Allocation Conflict",
		fmt.Sprintf("Request %s blocked due to owner calendar clash: %s", req.ID, req.Title),
		notify.PriorityHigh, req.ID)

	metrics.Conflicts.WithLabelValues(CodeFacultyClash).Inc()
	return Result{Status: StatusConflict, ConflictCode: CodeFacultyClash, Suggestions: &sug}, nil
}

// noRoomConflict records the no-room conflict, enriched with optional
// advisory output, and parks the request as PENDING.
func (s *Service) noRoomConflict(ctx context.Context, req *Request) (Result, error) {
	if err := s.store.ClearOpenConflicts(ctx, req.ID); err != nil {
		return Result{}, err
	}

	base, err := s.buildSuggestions(ctx, req, suggestionLimit)
	if err != nil {
		return Result{}, err
	}
	advice := s.adviseConflict(ctx, req, base)
	sug := SuggestionSet{Base: base, Advisory: advice}

	if err := s.store.InsertConflict(ctx, req.ID, reasonNoRoom, sug); err != nil {
		return Result{}, err
	}

	reason := "Awaiting admin action: no room available"
	if advice != nil && advice.Summary != "" {
		reason = truncate("Awaiting admin action: "+advice.Summary, decisionReasonLimit)
	}
	if err := s.store.SetRequestDecision(ctx, req.ID, RequestPending, reason); err != nil {
		return Result{}, err
	}

	s.notifyUser(ctx, req.RequesterID, "Room Allocation Conflict",
		fmt.Sprintf("No room available for %s on %s %s-%s. Suggestions stored.",
			req.Title, req.Date, req.StartTime, req.EndTime),
		notify.PriorityHigh, req.ID)

	adminMsg := fmt.Sprintf("Conflict for request %s: %s. No room available; suggestions stored.", req.ID, req.Title)
	if advice != nil && len(advice.NextSteps) > 0 {
		adminMsg = fmt.Sprintf("Conflict for request %s: %s. Next steps: %s",
			req.ID, req.Title, strings.Join(advice.NextSteps, " | "))
	}
	s.notifyAdmins(ctx, "Room Allocation Conflict", adminMsg, notify.PriorityHigh, req.ID)

	metrics.Conflicts.WithLabelValues(CodeNoRoomAvailable).Inc()
	return Result{Status: StatusConflict, ConflictCode: CodeNoRoomAvailable, Suggestions: &sug}, nil
}

const conflictAdvisorInstructions = "You are a campus room allocation operations advisor. " +
	"Given a room request that cannot be allocated, propose practical next actions. " +
	"Return STRICT JSON only with keys: conflict_summary (string), admin_next_steps (array of strings), improved_suggestions (array). " +
	"improved_suggestions items: {start_time,end_time,preferred_building,notes}. Keep short and realistic."

func (s *Service) adviseConflict(ctx context.Context, req *Request, base []Suggestion) *advisory.Advice {
	payload, err := json.Marshal(map[string]any{
		"request": map[string]any{
			"request_type":       req.Type,
			"title":              req.Title,
			"request_date":       req.Date,
			"start_time":         req.StartTime,
			"end_time":           req.EndTime,
			"strength":           req.Strength,
			"preferred_building": req.PreferredBuilding,
			"required_equipment": req.RequiredEquipment,
		},
		"base_suggestions_from_system": base,
	})
	if err != nil {
		return nil
	}
	return s.advisor.Advise(ctx, conflictAdvisorInstructions, string(payload), 450)
}

const decisionInstructions = "Write a short operational explanation (<= 160 chars) for why the chosen room is suitable " +
	"based on capacity/building/equipment. No emojis."

// decisionReason asks the advisory service for a short explanation on the
// automatic path, falling back to a fixed phrase.
func (s *Service) decisionReason(ctx context.Context, req *Request, room *Room) string {
	input, err := json.Marshal(map[string]any{
		"request": map[string]any{
			"title":              req.Title,
			"strength":           req.Strength,
			"preferred_building": req.PreferredBuilding,
			"required_equipment": req.RequiredEquipment,
		},
		"chosen_room": map[string]any{
			"building":    room.Building,
			"room_number": room.RoomNumber,
			"capacity":    room.Capacity,
			"equipment":   room.Equipment,
		},
	})
	if err == nil {
		if txt := s.advisor.Text(ctx, decisionInstructions, string(input), 120); txt != "" {
			return truncate(txt, decisionReasonLimit)
		}
	}
	return "Allocated by allocation engine"
}

func (s *Service) notifyUser(ctx context.Context, userID, subject, body, priority, requestID string) {
	if err := s.notifier.User(ctx, userID, subject, body, priority, "room_request", requestID); err != nil {
		s.logger.Warn("user notification failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

func (s *Service) notifyAdmins(ctx context.Context, subject, body, priority, requestID string) {
	if err := s.notifier.Admins(ctx, subject, body, priority, "room_request", requestID); err != nil {
		s.logger.Warn("admin notification failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

// truncate cuts s to at most n bytes without splitting a multi-byte rune;
// a dangling partial rune would be rejected by Postgres as invalid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 {
		r, size := utf8.DecodeLastRuneInString(cut)
		if r != utf8.RuneError || size > 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return cut
}
