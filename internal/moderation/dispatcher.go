// Package moderation maps a named admin action to its fixed state
// transition and records the audit entry that follows it.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"yorkiexchange/internal/backend"
	"yorkiexchange/internal/logging"
	"yorkiexchange/internal/metrics"
	"yorkiexchange/internal/models"
)

// TargetStore applies a transition and reports the number of rows it
// touched.
type TargetStore interface {
	ApplyTransition(ctx context.Context, t Transition) (int, error)
}

// AtomicStore applies a transition and its audit record in one
// transaction. Nothing is committed when zero rows match.
type AtomicStore interface {
	ApplyAndAudit(ctx context.Context, t Transition, rec models.AuditRecord) (int, error)
}

type Recorder interface {
	Record(ctx context.Context, rec models.AuditRecord) error
}

// Journal keeps audit records that could not be written after their
// transition was applied.
type Journal interface {
	Orphan(ctx context.Context, rec models.AuditRecord, cause error) error
}

type Result struct {
	Label   string
	AuditID string
}

type Dispatcher struct {
	store    TargetStore
	recorder Recorder
	journal  Journal
	now      func() time.Time
	newID    func() string
}

// NewDispatcher wires a dispatcher. journal may be nil. When store also
// implements AtomicStore the recorder is bypassed.
func NewDispatcher(store TargetStore, recorder Recorder, journal Journal) *Dispatcher {
	return &Dispatcher{
		store:    store,
		recorder: recorder,
		journal:  journal,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, actor models.Actor, action, targetID string, rawMetadata json.RawMessage) (Result, error) {
	if !actor.Privileged || actor.ID == "" {
		return Result{}, ErrForbidden
	}
	def, ok := actions[action]
	if !ok {
		return Result{}, ErrUnsupportedAction
	}
	meta, err := decodeMetadata(def, rawMetadata)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	t := def.transition(action, targetID)
	rec := models.AuditRecord{
		ID:         d.newID(),
		ActorID:    actor.ID,
		Action:     action,
		TargetType: def.targetType,
		TargetID:   targetID,
		Metadata:   meta,
		CreatedAt:  d.now(),
	}

	atomic, isAtomic := d.store.(AtomicStore)
	var n int
	if isAtomic {
		n, err = atomic.ApplyAndAudit(ctx, t, rec)
	} else {
		n, err = d.store.ApplyTransition(ctx, t)
	}
	if err != nil {
		return Result{}, &TransitionError{Action: action, Reason: backend.Message(err), Err: err}
	}
	if n == 0 {
		return Result{}, &TransitionError{Action: action, Reason: ErrTargetNotFound.Error(), Err: ErrTargetNotFound}
	}

	if !isAtomic {
		d.audit(ctx, rec)
	}
	logging.Ctx(ctx).Info().
		Str("event", "admin_action_applied").
		Str("actor_id", actor.ID).
		Str("action", action).
		Str("target_type", string(def.targetType)).
		Str("target_id", targetID).
		Int("rows", n).
		Msg("admin action applied")
	return Result{Label: def.label, AuditID: rec.ID}, nil
}

// audit appends rec. A failure here is not returned: the transition
// already happened, so the record goes to the journal instead.
func (d *Dispatcher) audit(ctx context.Context, rec models.AuditRecord) {
	err := d.recorder.Record(ctx, rec)
	if err == nil {
		return
	}
	metrics.AuditWriteFailures.Inc()
	log := logging.Ctx(ctx)
	log.Error().Err(err).
		Str("event", "audit_orphaned").
		Str("audit_id", rec.ID).
		Str("actor_id", rec.ActorID).
		Str("action", rec.Action).
		Str("target_id", rec.TargetID).
		Msg("audit write failed after transition")
	if d.journal == nil {
		return
	}
	// The request context may already be cancelled; the journal write must
	// still land.
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if jerr := d.journal.Orphan(jctx, rec, err); jerr != nil {
		log.Error().Err(jerr).Str("event", "audit_journal_failed").Str("audit_id", rec.ID).Msg("could not journal orphaned audit")
		return
	}
	metrics.AuditOrphansJournaled.Inc()
}
