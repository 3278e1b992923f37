package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"yorkiexchange/internal/logging"
	"yorkiexchange/internal/metrics"
	"yorkiexchange/internal/models"
)

var (
	ErrEmptyBody      = errors.New("message body is empty")
	ErrDeliveryFailed = errors.New("message delivery failed")
	ErrNotRetryable   = errors.New("message is not in failed state")
	ErrUnknownMessage = errors.New("unknown local message")
)

const (
	baseBackoff = 2000 * time.Millisecond
	maxBackoff  = 8000 * time.Millisecond
)

// Backend persists messages. Inserted rows come back with their canonical
// id and the draft's client_id.
type Backend interface {
	InsertMessage(ctx context.Context, d models.MessageDraft) (models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// Feed delivers inserted rows as they are committed. backend.Realtime
// satisfies it.
type Feed interface {
	SubscribeInserts(ctx context.Context, table, filter string, fn func(record json.RawMessage)) error
}

// Backoff is the wait before the retry that follows the n-th failure.
func Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := baseBackoff
	for i := 1; i < n && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

type Options struct {
	// OnChange, when set, receives a snapshot after every local change.
	OnChange func([]models.LocalMessage)
}

// Conversation is one user's optimistic view of a conversation. Every
// entry is keyed by its LocalID, which travels to the backend as client_id.
type Conversation struct {
	id       string
	senderID string
	backend  Backend
	onChange func([]models.LocalMessage)

	now   func() time.Time
	newID func() string
	wait  func(ctx context.Context, d time.Duration) error

	closed context.Context
	close  context.CancelFunc

	mu      sync.Mutex
	entries []models.LocalMessage
}

func NewConversation(conversationID, senderID string, b Backend, opts Options) *Conversation {
	closed, cancel := context.WithCancel(context.Background())
	return &Conversation{
		id:       conversationID,
		senderID: senderID,
		backend:  b,
		onChange: opts.OnChange,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		wait:     sleep,
		closed:   closed,
		close:    cancel,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Conversation) ID() string { return c.id }

// Messages returns a copy of the local view in display order.
func (c *Conversation) Messages() []models.LocalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Conversation) snapshotLocked() []models.LocalMessage {
	out := make([]models.LocalMessage, len(c.entries))
	copy(out, c.entries)
	return out
}

// changed must be called without c.mu held.
func (c *Conversation) changed() {
	if c.onChange != nil {
		c.onChange(c.Messages())
	}
}

func (c *Conversation) indexLocked(localID string) int {
	for i := range c.entries {
		if c.entries[i].LocalID == localID {
			return i
		}
	}
	return -1
}

// Send appends body as a sending entry and delivers it. The returned entry
// reflects the outcome; on failure the error wraps ErrDeliveryFailed.
func (c *Conversation) Send(ctx context.Context, body string) (models.LocalMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.LocalMessage{}, ErrEmptyBody
	}
	m := models.LocalMessage{
		LocalID:        c.newID(),
		ConversationID: c.id,
		SenderID:       c.senderID,
		Body:           body,
		CreatedAt:      c.now(),
		Status:         models.DeliverySending,
	}
	c.mu.Lock()
	c.entries = append(c.entries, m)
	c.mu.Unlock()
	c.changed()

	return c.deliver(ctx, m.LocalID)
}

// Retry re-sends a failed entry after the backoff for its retry count.
// Close or ctx cancellation during the wait puts the entry back to failed
// without counting an attempt.
func (c *Conversation) Retry(ctx context.Context, localID string) (models.LocalMessage, error) {
	c.mu.Lock()
	i := c.indexLocked(localID)
	if i < 0 {
		c.mu.Unlock()
		return models.LocalMessage{}, ErrUnknownMessage
	}
	if c.entries[i].Status != models.DeliveryFailed {
		m := c.entries[i]
		c.mu.Unlock()
		return m, ErrNotRetryable
	}
	c.entries[i].Status = models.DeliverySending
	delay := Backoff(c.entries[i].RetryCount)
	c.mu.Unlock()
	c.changed()

	waitCtx, cancel := c.bind(ctx)
	err := c.wait(waitCtx, delay)
	cancel()
	if err != nil {
		c.mu.Lock()
		var m models.LocalMessage
		if i := c.indexLocked(localID); i >= 0 {
			if c.entries[i].Status == models.DeliverySending {
				c.entries[i].Status = models.DeliveryFailed
			}
			m = c.entries[i]
		}
		c.mu.Unlock()
		c.changed()
		return m, err
	}
	return c.deliver(ctx, localID)
}

// bind returns a context cancelled by either ctx or Close.
func (c *Conversation) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	out, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.closed, cancel)
	return out, func() {
		stop()
		cancel()
	}
}

func (c *Conversation) deliver(ctx context.Context, localID string) (models.LocalMessage, error) {
	c.mu.Lock()
	i := c.indexLocked(localID)
	if i < 0 {
		c.mu.Unlock()
		return models.LocalMessage{}, ErrUnknownMessage
	}
	if c.entries[i].Status != models.DeliverySending {
		// Already reconciled from the feed.
		m := c.entries[i]
		c.mu.Unlock()
		return m, nil
	}
	draft := models.MessageDraft{
		ClientID:       localID,
		ConversationID: c.id,
		SenderID:       c.entries[i].SenderID,
		Body:           c.entries[i].Body,
	}
	c.mu.Unlock()

	msg, err := c.backend.InsertMessage(ctx, draft)

	c.mu.Lock()
	i = c.indexLocked(localID)
	if i < 0 {
		c.mu.Unlock()
		return models.LocalMessage{}, ErrUnknownMessage
	}
	switch {
	case c.entries[i].Status == models.DeliverySent:
		// The feed delivered the canonical row while the insert was in flight.
		err = nil
	case err != nil:
		c.entries[i].Status = models.DeliveryFailed
		c.entries[i].RetryCount++
	default:
		c.reconcileLocked(i, msg)
	}
	m := c.entries[i]
	c.mu.Unlock()
	c.changed()

	if err != nil {
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		logging.Ctx(ctx).Warn().Err(err).
			Str("event", "message_delivery_failed").
			Str("local_id", localID).
			Int("retry_count", m.RetryCount).
			Msg("message delivery failed")
		return m, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	metrics.MessagesSent.WithLabelValues("ok").Inc()
	return m, nil
}

func (c *Conversation) reconcileLocked(i int, msg models.Message) {
	e := &c.entries[i]
	e.ID = msg.ID
	if msg.Body != "" {
		e.Body = msg.Body
	}
	if msg.SenderID != "" {
		e.SenderID = msg.SenderID
	}
	if !msg.CreatedAt.IsZero() {
		e.CreatedAt = msg.CreatedAt
	}
	e.Status = models.DeliverySent
}

// Receive merges a canonical row from the feed or history. It reports
// whether the local view changed.
func (c *Conversation) Receive(msg models.Message) bool {
	if msg.ConversationID != "" && msg.ConversationID != c.id {
		return false
	}
	c.mu.Lock()
	changed := c.receiveLocked(msg)
	c.mu.Unlock()
	if changed {
		c.changed()
	}
	return changed
}

func (c *Conversation) receiveLocked(msg models.Message) bool {
	for i := range c.entries {
		e := &c.entries[i]
		if msg.ID != "" && e.ID == msg.ID {
			return false
		}
		if msg.ClientID != "" && e.LocalID == msg.ClientID {
			if e.Status == models.DeliverySent && e.ID != "" {
				return false
			}
			c.reconcileLocked(i, msg)
			return true
		}
	}
	localID := msg.ClientID
	if localID == "" {
		localID = msg.ID
	}
	c.entries = append(c.entries, models.LocalMessage{
		ID:             msg.ID,
		LocalID:        localID,
		ConversationID: c.id,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		CreatedAt:      msg.CreatedAt,
		Status:         models.DeliverySent,
	})
	return true
}

// Load merges the stored history, oldest first.
func (c *Conversation) Load(ctx context.Context) error {
	msgs, err := c.backend.ListMessages(ctx, c.id)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	c.mu.Lock()
	changed := false
	for _, m := range msgs {
		if c.receiveLocked(m) {
			changed = true
		}
	}
	c.mu.Unlock()
	if changed {
		c.changed()
	}
	return nil
}

// Subscribe feeds inserts for this conversation into Receive until ctx is
// done, Close is called, or the feed fails.
func (c *Conversation) Subscribe(ctx context.Context, feed Feed) error {
	ctx, cancel := c.bind(ctx)
	defer cancel()
	err := feed.SubscribeInserts(ctx, "messages", "conversation_id=eq."+c.id, func(record json.RawMessage) {
		var m models.Message
		if err := json.Unmarshal(record, &m); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("event", "message_feed_decode").Msg("skipping malformed record")
			return
		}
		c.Receive(m)
	})
	if err != nil && c.closed.Err() != nil {
		return nil
	}
	return err
}

// Close cancels pending retry waits and any subscription.
func (c *Conversation) Close() { c.close() }
