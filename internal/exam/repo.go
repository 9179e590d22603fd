package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Repository is the Postgres-backed store for exam scheduling.
type Repository struct {
	db *sql.DB
}

// NewRepository wires the repository to a database handle.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetSession returns a session by id, or nil when absent.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, term_year, term_name, start_date::text, end_date::text
		FROM exam_sessions WHERE id = $1
	`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.TermYear, &s.TermName, &s.StartDate, &s.EndDate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get exam session: %w", err)
	}
	return &s, nil
}

// ListSubjects returns every subject of a session.
func (r *Repository) ListSubjects(ctx context.Context, sessionID string) ([]Subject, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, course_id, course_name,
			COALESCE(exam_date::text, ''), COALESCE(start_time::text, ''), COALESCE(end_time::text, ''), status
		FROM exam_subjects WHERE session_id = $1 ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list exam subjects: %w", err)
	}
	defer rows.Close()
	return scanSubjects(rows)
}

// ListScheduledSubjects returns the subjects already placed into a slot.
func (r *Repository) ListScheduledSubjects(ctx context.Context, sessionID string) ([]Subject, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, course_id, course_name,
			exam_date::text, start_time::text, end_time::text, status
		FROM exam_subjects WHERE session_id = $1 AND status = $2 ORDER BY id
	`, sessionID, StatusScheduled)
	if err != nil {
		return nil, fmt.Errorf("list scheduled subjects: %w", err)
	}
	defer rows.Close()
	return scanSubjects(rows)
}

func scanSubjects(rows *sql.Rows) ([]Subject, error) {
	var out []Subject
	for rows.Next() {
		var s Subject
		if err := rows.Scan(&s.ID, &s.SessionID, &s.CourseID, &s.CourseName,
			&s.Date, &s.StartTime, &s.EndTime, &s.Status); err != nil {
			return nil, fmt.Errorf("scan exam subject: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// EnrollmentsByCourse returns the distinct enrolled student ids per course
// for one term.
func (r *Repository) EnrollmentsByCourse(ctx context.Context, termYear int, termName string) (map[string][]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT course_id, student_id
		FROM course_enrollments
		WHERE term_year = $1 AND term_name = $2
	`, termYear, termName)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var courseID, studentID string
		if err := rows.Scan(&courseID, &studentID); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out[courseID] = append(out[courseID], studentID)
	}
	return out, rows.Err()
}

// MarkScheduled stamps a subject with its slot and flips it to SCHEDULED.
func (r *Repository) MarkScheduled(ctx context.Context, subjectID string, slot Slot) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exam_subjects
		SET exam_date = $2, start_time = $3, end_time = $4, status = $5
		WHERE id = $1
	`, subjectID, slot.Date, slot.Start, slot.End, StatusScheduled)
	if err != nil {
		return fmt.Errorf("mark subject scheduled: %w", err)
	}
	return nil
}

// LinkSubjectRequest records which room request covers a subject's hall.
func (r *Repository) LinkSubjectRequest(ctx context.Context, subjectID, requestID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exam_subject_rooms (exam_subject_id, room_request_id)
		VALUES ($1, $2)
		ON CONFLICT (exam_subject_id) DO UPDATE
			SET room_request_id = EXCLUDED.room_request_id, updated_at = NOW()
	`, subjectID, requestID)
	if err != nil {
		return fmt.Errorf("link subject request: %w", err)
	}
	return nil
}

// SetSubjectAllocation records the allocation produced for a subject's hall
// request. Called by the worker once the allocator settles the request.
func (r *Repository) SetSubjectAllocation(ctx context.Context, subjectID, allocationID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exam_subject_rooms
		SET room_allocation_id = $2, updated_at = NOW()
		WHERE exam_subject_id = $1
	`, subjectID, allocationID)
	if err != nil {
		return fmt.Errorf("set subject allocation: %w", err)
	}
	return nil
}
