package notify

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// Priority levels for notifications.
const (
	PriorityNormal = "NORMAL"
	PriorityHigh   = "HIGH"
)

// Notifier delivers operational notifications to a single user or to all
// administrators. Delivery is best-effort: callers log failures and continue.
type Notifier interface {
	User(ctx context.Context, userID, subject, body, priority, relatedType, relatedID string) error
	Admins(ctx context.Context, subject, body, priority, relatedType, relatedID string) error
}

// Recorder persists notifications as rows; the outbound delivery pipeline is
// a separate system that drains this table.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a recorder backed by Postgres.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// User records a notification addressed to one user.
func (r *Recorder) User(ctx context.Context, userID, subject, body, priority, relatedType, relatedID string) error {
	if userID == "" {
		return errors.New("user id required")
	}
	return r.insert(ctx, "USER", &userID, subject, body, priority, relatedType, relatedID)
}

// Admins records a broadcast to all administrators.
func (r *Recorder) Admins(ctx context.Context, subject, body, priority, relatedType, relatedID string) error {
	return r.insert(ctx, "ADMINS", nil, subject, body, priority, relatedType, relatedID)
}

func (r *Recorder) insert(ctx context.Context, audience string, userID *string, subject, body, priority, relatedType, relatedID string) error {
	if priority == "" {
		priority = PriorityNormal
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (id, audience, user_id, subject, body, priority, related_type, related_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.NewString(), audience, userID, subject, body, priority, relatedType, relatedID)
	return err
}
