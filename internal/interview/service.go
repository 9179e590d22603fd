// Package interview carves placement drives into fixed interview slots and
// spreads shortlisted students across them.
package interview

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"campusalloc/internal/allocation"
	"campusalloc/internal/metrics"
	"campusalloc/internal/notify"
	"campusalloc/internal/queue"
)

// Slot shape.
const (
	slotMinutes  = 60
	slotCapacity = 20
)

// Drive stages that still admit slot generation and assignment.
var activeStages = map[string]bool{
	"ANNOUNCED":    true,
	"APPLICATIONS": true,
	"SHORTLISTED":  true,
	"INTERVIEWS":   true,
}

// ErrDriveNotFound is returned when the drive id resolves to nothing.
var ErrDriveNotFound = errors.New("interview drive not found")

// Drive is one company placement drive.
type Drive struct {
	ID          string `json:"id"`
	CompanyName string `json:"company_name"`
	Title       string `json:"title"`
	Stage       string `json:"stage"`
	Date        string `json:"drive_date"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
}

// Slot is one interview window within a drive.
type Slot struct {
	ID               string `json:"id"`
	DriveID          string `json:"drive_id"`
	Date             string `json:"slot_date"`
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time"`
	Capacity         int    `json:"capacity"`
	RoomRequestID    string `json:"room_request_id,omitempty"`
	RoomAllocationID string `json:"room_allocation_id,omitempty"`
}

// AssignResult summarizes one assignment pass.
type AssignResult struct {
	Assigned        int  `json:"assigned"`
	SkippedExisting int  `json:"skipped_existing"`
	NoSlots         bool `json:"no_slots,omitempty"`
}

// Store is the persistence surface the assigner consumes.
type Store interface {
	GetDrive(ctx context.Context, id string) (*Drive, error)
	ListSlots(ctx context.Context, driveID string) ([]Slot, error)
	InsertSlot(ctx context.Context, slot *Slot) error
	SetSlotRequest(ctx context.Context, slotID, requestID string) error
	FillCounts(ctx context.Context, driveID string) (map[string]int, error)
	HasAssignment(ctx context.Context, driveID, studentID string) (bool, error)
	InsertAssignment(ctx context.Context, slotID, studentID string) error
}

// Requests creates room requests on behalf of the assigner.
type Requests interface {
	CreateRequest(ctx context.Context, req *allocation.Request) error
}

// Service generates interview slots and assigns students round-robin.
type Service struct {
	store    Store
	requests Requests
	notifier notify.Notifier
	events   queue.Queue
	logger   *zap.Logger
}

// NewService creates the assigner.
func NewService(store Store, requests Requests, notifier notify.Notifier, events queue.Queue, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		requests: requests,
		notifier: notifier,
		events:   events,
		logger:   logger,
	}
}

// EnsureSlots generates hour-long slots covering the drive window and queues
// a room request per slot. A drive that already has slots, or whose stage is
// past interviewing, gets its existing slots back unchanged.
func (s *Service) EnsureSlots(ctx context.Context, driveID, actorID string) ([]Slot, error) {
	drive, err := s.store.GetDrive(ctx, driveID)
	if err != nil {
		return nil, err
	}
	if drive == nil {
		return nil, ErrDriveNotFound
	}

	existing, err := s.store.ListSlots(ctx, driveID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}
	if !activeStages[drive.Stage] {
		return nil, nil
	}

	startMins := toMinutes(drive.StartTime)
	endMins := toMinutes(drive.EndTime)

	for cur := startMins; cur+slotMinutes <= endMins; cur += slotMinutes {
		slot := &Slot{
			DriveID:   driveID,
			Date:      drive.Date,
			StartTime: fromMinutes(cur),
			EndTime:   fromMinutes(cur + slotMinutes),
			Capacity:  slotCapacity,
		}
		if err := s.store.InsertSlot(ctx, slot); err != nil {
			return nil, err
		}

		req := &allocation.Request{
			RequesterID: actorID,
			Type:        allocation.RequestInterview,
			Title:       fmt.Sprintf("Interview: %s %s-%s", drive.CompanyName, slot.StartTime, slot.EndTime),
			Date:        slot.Date,
			StartTime:   slot.StartTime,
			EndTime:     slot.EndTime,
			Strength:    slotCapacity,
		}
		if err := s.requests.CreateRequest(ctx, req); err != nil {
			return nil, err
		}
		if err := s.store.SetSlotRequest(ctx, slot.ID, req.ID); err != nil {
			return nil, err
		}

		msg, err := queue.NewAllocateRoomMessage(queue.AllocateRoomEvent{
			RequestID:       req.ID,
			InterviewSlotID: slot.ID,
		})
		if err != nil {
			return nil, err
		}
		if err := s.events.Publish(ctx, msg); err != nil {
			return nil, fmt.Errorf("publish allocation trigger: %w", err)
		}
		metrics.EventsPublished.WithLabelValues(queue.KindAllocateRoom).Inc()
	}

	slots, err := s.store.ListSlots(ctx, driveID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("interview slots ensured",
		zap.String("drive_id", driveID), zap.Int("slots", len(slots)))
	return slots, nil
}

// AssignStudents places students into slots round-robin, honoring capacity.
// A student already holding an assignment in the drive is skipped. Students
// left unplaced are told scheduling is pending; the pass itself never fails
// over a full calendar.
func (s *Service) AssignStudents(ctx context.Context, driveID string, studentIDs []string) (AssignResult, error) {
	drive, err := s.store.GetDrive(ctx, driveID)
	if err != nil {
		return AssignResult{}, err
	}
	if drive == nil {
		return AssignResult{}, ErrDriveNotFound
	}

	slots, err := s.store.ListSlots(ctx, driveID)
	if err != nil {
		return AssignResult{}, err
	}
	if len(slots) == 0 {
		return AssignResult{NoSlots: true}, nil
	}
	fill, err := s.store.FillCounts(ctx, driveID)
	if err != nil {
		return AssignResult{}, err
	}

	var result AssignResult
	cursor := 0
	for _, studentID := range studentIDs {
		exists, err := s.store.HasAssignment(ctx, driveID, studentID)
		if err != nil {
			return result, err
		}
		if exists {
			result.SkippedExisting++
			continue
		}

		placed := false
		// One full rotation starting at the cursor; the cursor advances past
		// each placement so students spread across slots.
		for step := 0; step < len(slots); step++ {
			slot := slots[(cursor+step)%len(slots)]
			if fill[slot.ID] >= slot.Capacity {
				continue
			}
			if err := s.store.InsertAssignment(ctx, slot.ID, studentID); err != nil {
				return result, err
			}
			fill[slot.ID]++
			cursor = (cursor + step + 1) % len(slots)
			result.Assigned++
			metrics.InterviewAssignments.Inc()
			placed = true
			s.notifyPlaced(ctx, drive, slot, studentID)
			break
		}
		if !placed {
			s.notifyUnplaced(ctx, drive, studentID)
		}
	}

	s.logger.Info("interview assignment pass done",
		zap.String("drive_id", driveID),
		zap.Int("assigned", result.Assigned),
		zap.Int("skipped", result.SkippedExisting))
	return result, nil
}

func (s *Service) notifyPlaced(ctx context.Context, drive *Drive, slot Slot, studentID string) {
	roomLine := "Room will be updated shortly."
	if slot.RoomAllocationID != "" {
		roomLine = "Room allocated. Check your calendar."
	}
	body := fmt.Sprintf("You are scheduled for %s on %s at %s. %s",
		drive.CompanyName, slot.Date, slot.StartTime, roomLine)
	if err := s.notifier.User(ctx, studentID, "Interview Scheduled", body,
		notify.PriorityNormal, "interview_slot", slot.ID); err != nil {
		s.logger.Warn("user notification failed", zap.String("student_id", studentID), zap.Error(err))
	}
}

func (s *Service) notifyUnplaced(ctx context.Context, drive *Drive, studentID string) {
	body := fmt.Sprintf("All interview slots for %s are full. Scheduling pending.", drive.CompanyName)
	if err := s.notifier.User(ctx, studentID, "Interview Scheduling Pending", body,
		notify.PriorityHigh, "interview_drive", drive.ID); err != nil {
		s.logger.Warn("user notification failed", zap.String("student_id", studentID), zap.Error(err))
	}
}
