package allocation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Repository persists allocation state in Postgres. Dates and times-of-day
// are read back as text so the Go side always sees "YYYY-MM-DD" and
// "HH:MM:SS" strings.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateRequest inserts a new room request in PENDING state.
func (r *Repository) CreateRequest(ctx context.Context, req *Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = RequestPending
	}
	var equipment any
	if req.RequiredEquipment != nil {
		raw, err := json.Marshal(req.RequiredEquipment)
		if err != nil {
			return fmt.Errorf("encode required equipment: %w", err)
		}
		equipment = raw
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO room_requests
			(id, requester_id, request_type, title, request_date, start_time, end_time, strength, required_equipment, preferred_building, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, req.ID, req.RequesterID, req.Type, req.Title, req.Date, req.StartTime, req.EndTime,
		req.Strength, equipment, req.PreferredBuilding, req.Status)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

// GetRequest returns a request by id, or nil when absent.
func (r *Repository) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, requester_id, request_type, title, request_date::text, start_time::text, end_time::text,
		       strength, COALESCE(required_equipment, 'null'::jsonb)::text, preferred_building, status, decision_reason
		FROM room_requests
		WHERE id = $1
	`, id)
	var req Request
	var equipment []byte
	err := row.Scan(&req.ID, &req.RequesterID, &req.Type, &req.Title, &req.Date, &req.StartTime, &req.EndTime,
		&req.Strength, &equipment, &req.PreferredBuilding, &req.Status, &req.DecisionReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get request: %w", err)
	}
	req.RequiredEquipment = parseEquipment(equipment)
	return &req, nil
}

// GetRoom returns an active room by id, or nil when absent or inactive.
func (r *Repository) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, room_number, building, capacity, equipment::text, is_active, status
		FROM rooms
		WHERE id = $1 AND is_active
	`, id)
	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get room: %w", err)
	}
	return room, nil
}

// QualifyingRooms lists active, operational rooms with capacity for the given
// strength, ordered by id for deterministic downstream scans.
func (r *Repository) QualifyingRooms(ctx context.Context, strength int) ([]Room, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, room_number, building, capacity, equipment::text, is_active, status
		FROM rooms
		WHERE is_active AND status = 'OK' AND capacity >= $1
		ORDER BY id
	`, strength)
	if err != nil {
		return nil, fmt.Errorf("list qualifying rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, *room)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*Room, error) {
	var room Room
	var equipment []byte
	err := row.Scan(&room.ID, &room.RoomNumber, &room.Building, &room.Capacity, &equipment, &room.IsActive, &room.Status)
	if err != nil {
		return nil, err
	}
	room.Equipment = parseEquipment(equipment)
	return &room, nil
}

// ActiveAllocations lists ACTIVE allocations for a date across all rooms.
func (r *Repository) ActiveAllocations(ctx context.Context, date string) ([]Allocation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, request_id, room_id, alloc_date::text, start_time::text, end_time::text, status, allocated_by
		FROM room_allocations
		WHERE alloc_date = $1 AND status = 'ACTIVE'
	`, date)
	if err != nil {
		return nil, fmt.Errorf("list active allocations: %w", err)
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.ID, &a.RequestID, &a.RoomID, &a.Date, &a.StartTime, &a.EndTime, &a.Status, &a.AllocatedBy); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveAllocationForRequest returns the request's ACTIVE allocation, or nil.
func (r *Repository) ActiveAllocationForRequest(ctx context.Context, requestID string) (*Allocation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, request_id, room_id, alloc_date::text, start_time::text, end_time::text, status, allocated_by
		FROM room_allocations
		WHERE request_id = $1 AND status = 'ACTIVE'
	`, requestID)
	var a Allocation
	err := row.Scan(&a.ID, &a.RequestID, &a.RoomID, &a.Date, &a.StartTime, &a.EndTime, &a.Status, &a.AllocatedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active allocation: %w", err)
	}
	return &a, nil
}

// OwnerHasClash reports whether the owner's calendar holds any CLASS, EXAM or
// INTERVIEW entry on the date overlapping [start,end).
func (r *Repository) OwnerHasClash(ctx context.Context, ownerID, date, start, end string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM calendar_events
			WHERE owner_id = $1
			  AND event_date = $2
			  AND event_type IN ('CLASS', 'EXAM', 'INTERVIEW')
			  AND start_time < $4 AND end_time > $3
		)
	`, ownerID, date, start, end)
	var clash bool
	if err := row.Scan(&clash); err != nil {
		return false, fmt.Errorf("check owner clash: %w", err)
	}
	return clash, nil
}

// ClearOpenConflicts removes any unresolved conflict for the request so a new
// attempt starts with at most one open record.
func (r *Repository) ClearOpenConflicts(ctx context.Context, requestID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM allocation_conflicts
		WHERE request_id = $1 AND resolved_at IS NULL
	`, requestID)
	if err != nil {
		return fmt.Errorf("clear open conflicts: %w", err)
	}
	return nil
}

// InsertConflict records an unresolved conflict with its suggestion payload.
func (r *Repository) InsertConflict(ctx context.Context, requestID, reason string, suggestions SuggestionSet) error {
	payload, err := json.Marshal(suggestions)
	if err != nil {
		return fmt.Errorf("encode suggestions: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO allocation_conflicts (id, request_id, reason, suggestions)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), requestID, reason, payload)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// OpenConflicts lists all unresolved conflicts, newest first.
func (r *Repository) OpenConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, request_id, reason, suggestions::text, resolved_at, created_at
		FROM allocation_conflicts
		WHERE resolved_at IS NULL
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list open conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		var payload []byte
		if err := rows.Scan(&c.ID, &c.RequestID, &c.Reason, &payload, &c.ResolvedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		// malformed stored payloads surface as an empty set, not a failure
		_ = json.Unmarshal(payload, &c.Suggestions)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReplaceAllocation marks an allocation REPLACED.
func (r *Repository) ReplaceAllocation(ctx context.Context, allocationID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE room_allocations SET status = 'REPLACED' WHERE id = $1
	`, allocationID)
	if err != nil {
		return fmt.Errorf("replace allocation: %w", err)
	}
	return nil
}

// InsertAllocationGuarded writes a new ACTIVE allocation inside a
// transaction holding a Postgres advisory lock on (room, date). The room is
// re-checked for overlap under the lock; a busy room returns false with
// nothing written. The advisory lock is held in the database, so the API
// process and the worker cannot commit overlapping allocations even though
// each runs its own in-process mutex map. The request's own allocations are
// excluded from the overlap check so reassignment to the same room works.
func (r *Repository) InsertAllocationGuarded(ctx context.Context, a *Allocation) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AllocationActive
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin allocation tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, a.RoomID+"|"+a.Date); err != nil {
		return false, fmt.Errorf("acquire room lock: %w", err)
	}

	var busy bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM room_allocations
			WHERE room_id = $1 AND alloc_date = $2 AND status = 'ACTIVE'
			  AND request_id <> $3
			  AND start_time < $5 AND end_time > $4
		)
	`, a.RoomID, a.Date, a.RequestID, a.StartTime, a.EndTime).Scan(&busy)
	if err != nil {
		return false, fmt.Errorf("verify room free: %w", err)
	}
	if busy {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO room_allocations (id, request_id, room_id, alloc_date, start_time, end_time, status, allocated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.RequestID, a.RoomID, a.Date, a.StartTime, a.EndTime, a.Status, a.AllocatedBy)
	if err != nil {
		return false, fmt.Errorf("insert allocation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit allocation: %w", err)
	}
	return true, nil
}

// AppendHistory adds an append-only lifecycle entry for an allocation.
func (r *Repository) AppendHistory(ctx context.Context, allocationID, action, actorID, notes string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO allocation_history (id, allocation_id, action, actor_id, notes)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), allocationID, action, actorID, notes)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// SetRequestDecision updates a request's status and decision reason.
func (r *Repository) SetRequestDecision(ctx context.Context, requestID, status, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE room_requests SET status = $2, decision_reason = $3 WHERE id = $1
	`, requestID, status, reason)
	if err != nil {
		return fmt.Errorf("set request decision: %w", err)
	}
	return nil
}

// UpsertCalendarEvent inserts or overwrites the owner's calendar entry keyed
// by (owner, date, start, end).
func (r *Repository) UpsertCalendarEvent(ctx context.Context, ev CalendarEvent) error {
	metadata, err := json.Marshal(map[string]string{"request_id": ev.RequestID})
	if err != nil {
		return fmt.Errorf("encode calendar metadata: %w", err)
	}
	var roomID any
	if ev.RoomID != "" {
		roomID = ev.RoomID
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO calendar_events (id, owner_id, event_type, title, event_date, start_time, end_time, room_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_id, event_date, start_time, end_time) DO UPDATE SET
			event_type = EXCLUDED.event_type,
			title = EXCLUDED.title,
			room_id = EXCLUDED.room_id,
			metadata = EXCLUDED.metadata
	`, uuid.NewString(), ev.OwnerID, ev.EventType, ev.Title, ev.Date, ev.StartTime, ev.EndTime, roomID, metadata)
	if err != nil {
		return fmt.Errorf("upsert calendar event: %w", err)
	}
	return nil
}
