package interview

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Repository is the Postgres-backed store for interview scheduling.
type Repository struct {
	db *sql.DB
}

// NewRepository wires the repository to a database handle.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetDrive returns a drive by id, or nil when absent.
func (r *Repository) GetDrive(ctx context.Context, id string) (*Drive, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, company_name, title, stage, drive_date::text, start_time::text, end_time::text
		FROM interview_drives WHERE id = $1
	`, id)
	var d Drive
	if err := row.Scan(&d.ID, &d.CompanyName, &d.Title, &d.Stage, &d.Date, &d.StartTime, &d.EndTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get interview drive: %w", err)
	}
	return &d, nil
}

// ListSlots returns the drive's slots in chronological order.
func (r *Repository) ListSlots(ctx context.Context, driveID string) ([]Slot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, drive_id, slot_date::text, start_time::text, end_time::text, capacity,
			COALESCE(room_request_id, ''), COALESCE(room_allocation_id, '')
		FROM interview_slots
		WHERE drive_id = $1
		ORDER BY slot_date, start_time
	`, driveID)
	if err != nil {
		return nil, fmt.Errorf("list interview slots: %w", err)
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		var s Slot
		if err := rows.Scan(&s.ID, &s.DriveID, &s.Date, &s.StartTime, &s.EndTime,
			&s.Capacity, &s.RoomRequestID, &s.RoomAllocationID); err != nil {
			return nil, fmt.Errorf("scan interview slot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertSlot persists a new slot, assigning its id.
func (r *Repository) InsertSlot(ctx context.Context, slot *Slot) error {
	if slot.ID == "" {
		slot.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO interview_slots (id, drive_id, slot_date, start_time, end_time, capacity)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, slot.ID, slot.DriveID, slot.Date, slot.StartTime, slot.EndTime, slot.Capacity)
	if err != nil {
		return fmt.Errorf("insert interview slot: %w", err)
	}
	return nil
}

// SetSlotRequest records which room request covers a slot.
func (r *Repository) SetSlotRequest(ctx context.Context, slotID, requestID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE interview_slots SET room_request_id = $2 WHERE id = $1
	`, slotID, requestID)
	if err != nil {
		return fmt.Errorf("set slot request: %w", err)
	}
	return nil
}

// SetSlotAllocation records the allocation produced for a slot's room
// request. Called by the worker once the allocator settles the request.
func (r *Repository) SetSlotAllocation(ctx context.Context, slotID, allocationID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE interview_slots SET room_allocation_id = $2 WHERE id = $1
	`, slotID, allocationID)
	if err != nil {
		return fmt.Errorf("set slot allocation: %w", err)
	}
	return nil
}

// FillCounts returns the current assignment count per slot of a drive.
func (r *Repository) FillCounts(ctx context.Context, driveID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.slot_id, COUNT(*)
		FROM interview_slot_assignments a
		JOIN interview_slots s ON s.id = a.slot_id
		WHERE s.drive_id = $1
		GROUP BY a.slot_id
	`, driveID)
	if err != nil {
		return nil, fmt.Errorf("count slot assignments: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var slotID string
		var n int
		if err := rows.Scan(&slotID, &n); err != nil {
			return nil, fmt.Errorf("scan slot count: %w", err)
		}
		out[slotID] = n
	}
	return out, rows.Err()
}

// HasAssignment reports whether the student already holds a slot in the drive.
func (r *Repository) HasAssignment(ctx context.Context, driveID, studentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM interview_slot_assignments a
			JOIN interview_slots s ON s.id = a.slot_id
			WHERE s.drive_id = $1 AND a.student_id = $2
		)
	`, driveID, studentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check assignment: %w", err)
	}
	return exists, nil
}

// InsertAssignment records a student's slot assignment.
func (r *Repository) InsertAssignment(ctx context.Context, slotID, studentID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO interview_slot_assignments (id, slot_id, student_id)
		VALUES ($1, $2, $3)
	`, uuid.NewString(), slotID, studentID)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}
