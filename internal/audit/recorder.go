// Package audit appends admin audit records and keeps the local journal of
// records that could not be appended.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"yorkiexchange/internal/backend"
	"yorkiexchange/internal/models"
)

type Recorder interface {
	Record(ctx context.Context, rec models.AuditRecord) error
}

// BackendRecorder inserts into the backend's admin_audit table.
type BackendRecorder struct {
	client *backend.Client
}

func NewBackendRecorder(c *backend.Client) *BackendRecorder {
	return &BackendRecorder{client: c}
}

type auditRow struct {
	ID         string          `json:"id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Action     string          `json:"action"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Metadata   json.RawMessage `json:"metadata"`
	CreatedAt  string          `json:"created_at,omitempty"`
}

func rowFor(rec models.AuditRecord) auditRow {
	meta := rec.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	row := auditRow{
		ID:         rec.ID,
		ActorID:    rec.ActorID,
		Action:     rec.Action,
		TargetType: string(rec.TargetType),
		TargetID:   rec.TargetID,
		Metadata:   meta,
	}
	if !rec.CreatedAt.IsZero() {
		row.CreatedAt = rec.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return row
}

// Record appends rec. A replayed record whose id already landed is skipped,
// never overwritten.
func (r *BackendRecorder) Record(ctx context.Context, rec models.AuditRecord) error {
	_, err := r.client.From("admin_audit").InsertIgnoringDuplicates(ctx, rowFor(rec))
	return err
}
