package exam

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"campusalloc/internal/advisory"
	"campusalloc/internal/allocation"
	"campusalloc/internal/metrics"
	"campusalloc/internal/notify"
	"campusalloc/internal/queue"
)

// Subject statuses.
const (
	StatusUnscheduled = "UNSCHEDULED"
	StatusScheduled   = "SCHEDULED"
)

// ReasonNoSlot marks a subject that fits no slot anywhere in the calendar.
const ReasonNoSlot = "NO_SLOT_AVAILABLE"

// Fixed slot boundaries: two slots per day.
const (
	morningStart   = "09:00:00"
	morningEnd     = "12:00:00"
	afternoonStart = "13:30:00"
	afternoonEnd   = "16:30:00"
)

// Session is an exam session spanning a date range within one term.
type Session struct {
	ID        string `json:"id"`
	TermYear  int    `json:"term_year"`
	TermName  string `json:"term_name"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// Subject is one examinable course within a session.
type Subject struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	CourseID   string `json:"course_id"`
	CourseName string `json:"course_name"`
	Date       string `json:"exam_date,omitempty"`
	StartTime  string `json:"start_time,omitempty"`
	EndTime    string `json:"end_time,omitempty"`
	Status     string `json:"status"`
}

// Slot is one cell of the exam calendar, keyed by date and boundaries.
type Slot struct {
	Date  string `json:"date"`
	Start string `json:"start"`
	End   string `json:"end"`
}

func (sl Slot) key() string {
	return sl.Date + "|" + sl.Start + "|" + sl.End
}

// SubjectConflict is a subject that could not be placed.
type SubjectConflict struct {
	SubjectID  string `json:"exam_subject_id"`
	CourseID   string `json:"course_id"`
	CourseName string `json:"course_name"`
	Reason     string `json:"reason"`
}

// ScheduleResult summarizes one scheduling pass.
type ScheduleResult struct {
	NotFound  bool              `json:"-"`
	Placed    int               `json:"placed"`
	Conflicts []SubjectConflict `json:"conflicts,omitempty"`
}

// QueueResult summarizes one hall-request queueing pass.
type QueueResult struct {
	NotFound        bool `json:"-"`
	RequestsCreated int  `json:"room_requests_created"`
}

// Store is the persistence surface the scheduler consumes.
type Store interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSubjects(ctx context.Context, sessionID string) ([]Subject, error)
	ListScheduledSubjects(ctx context.Context, sessionID string) ([]Subject, error)
	EnrollmentsByCourse(ctx context.Context, termYear int, termName string) (map[string][]string, error)
	MarkScheduled(ctx context.Context, subjectID string, slot Slot) error
	LinkSubjectRequest(ctx context.Context, subjectID, requestID string) error
}

// Requests creates room requests on behalf of the scheduler.
type Requests interface {
	CreateRequest(ctx context.Context, req *allocation.Request) error
}

// Advisor produces optional advisory content; absence is nil.
type Advisor interface {
	Advise(ctx context.Context, instructions, input string, maxTokens int) *advisory.Advice
}

// Service builds the exam calendar and places subjects without student-level
// clashes.
type Service struct {
	store    Store
	requests Requests
	notifier notify.Notifier
	advisor  Advisor
	events   queue.Queue
	logger   *zap.Logger
}

// NewService creates the scheduler.
func NewService(store Store, requests Requests, notifier notify.Notifier, advisor Advisor, events queue.Queue, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		requests: requests,
		notifier: notifier,
		advisor:  advisor,
		events:   events,
		logger:   logger,
	}
}

// buildCalendar generates two slots per day for every date in
// [startDate, endDate] inclusive, in generation order.
func buildCalendar(startDate, endDate string) ([]Slot, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return nil, fmt.Errorf("parse session start date: %w", err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return nil, fmt.Errorf("parse session end date: %w", err)
	}

	var slots []Slot
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		date := d.Format("2006-01-02")
		slots = append(slots, Slot{Date: date, Start: morningStart, End: morningEnd})
		slots = append(slots, Slot{Date: date, Start: afternoonStart, End: afternoonEnd})
	}
	return slots, nil
}

// ScheduleSession places every subject of the session into the exam calendar
// using first-fit-decreasing on enrolled-student count. Two subjects sharing
// any enrolled student never land in the same slot. Subjects that fit nowhere
// are recorded as conflicts; there is no backtracking.
func (s *Service) ScheduleSession(ctx context.Context, sessionID string) (ScheduleResult, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return ScheduleResult{}, err
	}
	if session == nil {
		return ScheduleResult{NotFound: true}, nil
	}

	subjects, err := s.store.ListSubjects(ctx, sessionID)
	if err != nil {
		return ScheduleResult{}, err
	}
	slots, err := buildCalendar(session.StartDate, session.EndDate)
	if err != nil {
		return ScheduleResult{}, err
	}
	byCourse, err := s.store.EnrollmentsByCourse(ctx, session.TermYear, session.TermName)
	if err != nil {
		return ScheduleResult{}, err
	}

	// Largest enrolment first; ties break on subject id for determinism.
	sort.Slice(subjects, func(i, j int) bool {
		ni, nj := len(byCourse[subjects[i].CourseID]), len(byCourse[subjects[j].CourseID])
		if ni != nj {
			return ni > nj
		}
		return subjects[i].ID < subjects[j].ID
	})

	occupancy := make(map[string]map[string]struct{})
	var result ScheduleResult

	for _, subj := range subjects {
		enrolled := byCourse[subj.CourseID]
		placed := false

		for _, slot := range slots {
			taken := occupancy[slot.key()]
			if intersects(taken, enrolled) {
				continue
			}

			if err := s.store.MarkScheduled(ctx, subj.ID, slot); err != nil {
				return result, err
			}
			if taken == nil {
				taken = make(map[string]struct{})
				occupancy[slot.key()] = taken
			}
			for _, sid := range enrolled {
				taken[sid] = struct{}{}
			}

			result.Placed++
			metrics.ExamSubjectsScheduled.Inc()
			placed = true
			break
		}

		if !placed {
			result.Conflicts = append(result.Conflicts, SubjectConflict{
				SubjectID:  subj.ID,
				CourseID:   subj.CourseID,
				CourseName: subj.CourseName,
				Reason:     ReasonNoSlot,
			})
			metrics.Conflicts.WithLabelValues(ReasonNoSlot).Inc()
		}
	}

	if len(result.Conflicts) > 0 {
		s.reportConflicts(ctx, sessionID, result.Conflicts)
	}

	s.logger.Info("exam session scheduled",
		zap.String("session_id", sessionID),
		zap.Int("placed", result.Placed),
		zap.Int("conflicts", len(result.Conflicts)))
	return result, nil
}

func intersects(taken map[string]struct{}, students []string) bool {
	for _, sid := range students {
		if _, ok := taken[sid]; ok {
			return true
		}
	}
	return false
}

const conflictInstructions = "You are an exam scheduler. Give compact fix suggestions for clashes. " +
	"Return JSON with keys: conflict_summary, admin_next_steps[], improved_suggestions[]."

// reportConflicts notifies admins and attaches best-effort advisory output.
// The advisory result only shapes the human-facing message, never placement.
func (s *Service) reportConflicts(ctx context.Context, sessionID string, conflicts []SubjectConflict) {
	if err := s.notifier.Admins(ctx, "Exam Scheduling Conflicts",
		fmt.Sprintf("Scheduling conflicts detected for session %s. Count=%d.", sessionID, len(conflicts)),
		notify.PriorityHigh, "exam_session", sessionID); err != nil {
		s.logger.Warn("admin notification failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	payload, err := json.Marshal(map[string]any{"conflicts": conflicts})
	if err != nil {
		return
	}
	advice := s.advisor.Advise(ctx, conflictInstructions, string(payload), 300)
	if advice == nil {
		return
	}

	body := advice.Summary
	for _, step := range advice.NextSteps {
		body += " | " + step
	}
	if err := s.notifier.Admins(ctx, "Exam Conflict Suggestions", body,
		notify.PriorityNormal, "exam_session", sessionID); err != nil {
		s.logger.Warn("admin notification failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// QueueHallRequests creates an EXAM room request for every scheduled subject
// and publishes an allocation trigger carrying the subject correlation. The
// room allocator consumes the triggers independently.
func (s *Service) QueueHallRequests(ctx context.Context, sessionID, actorID string) (QueueResult, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return QueueResult{}, err
	}
	if session == nil {
		return QueueResult{NotFound: true}, nil
	}

	subjects, err := s.store.ListScheduledSubjects(ctx, sessionID)
	if err != nil {
		return QueueResult{}, err
	}
	byCourse, err := s.store.EnrollmentsByCourse(ctx, session.TermYear, session.TermName)
	if err != nil {
		return QueueResult{}, err
	}

	var result QueueResult
	for _, subj := range subjects {
		req := &allocation.Request{
			RequesterID: actorID,
			Type:        allocation.RequestExam,
			Title:       "Exam: " + subj.CourseName,
			Date:        subj.Date,
			StartTime:   subj.StartTime,
			EndTime:     subj.EndTime,
			Strength:    len(byCourse[subj.CourseID]),
		}
		if err := s.requests.CreateRequest(ctx, req); err != nil {
			return result, err
		}
		if err := s.store.LinkSubjectRequest(ctx, subj.ID, req.ID); err != nil {
			return result, err
		}

		msg, err := queue.NewAllocateRoomMessage(queue.AllocateRoomEvent{
			RequestID:     req.ID,
			ExamSubjectID: subj.ID,
		})
		if err != nil {
			return result, err
		}
		if err := s.events.Publish(ctx, msg); err != nil {
			return result, fmt.Errorf("publish allocation trigger: %w", err)
		}
		metrics.EventsPublished.WithLabelValues(queue.KindAllocateRoom).Inc()
		result.RequestsCreated++
	}

	if err := s.notifier.Admins(ctx, "Exam Hall Allocation Queued",
		fmt.Sprintf("Queued %d room requests for exam halls for session %s.", result.RequestsCreated, sessionID),
		notify.PriorityNormal, "exam_session", sessionID); err != nil {
		s.logger.Warn("admin notification failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return result, nil
}
