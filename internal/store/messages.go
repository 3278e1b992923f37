package store

import (
	"context"
	"errors"
	"fmt"

	"yorkiexchange/internal/backend"
	"yorkiexchange/internal/models"
)

// RESTMessages reads and writes a user's messages with that user's access
// token, so the backend's row policies decide what is visible.
type RESTMessages struct {
	client *backend.Client
	token  string
}

func NewRESTMessages(c *backend.Client, accessToken string) *RESTMessages {
	return &RESTMessages{client: c, token: accessToken}
}

const messageColumns = "id,client_id,conversation_id,sender_id,body,created_at,read_at"

// InsertMessage is idempotent on client_id. When a previous attempt already
// stored the draft the existing row is returned.
func (m *RESTMessages) InsertMessage(ctx context.Context, d models.MessageDraft) (models.Message, error) {
	q := m.client.From("messages").As(m.token)
	if d.ClientID != "" {
		q = q.OnConflict("client_id")
	}
	resp, err := q.InsertNew(ctx, d)
	if err != nil {
		return models.Message{}, err
	}
	var rows []models.Message
	if err := resp.Decode(&rows); err != nil {
		return models.Message{}, err
	}
	if len(rows) > 0 {
		return rows[0], nil
	}
	if d.ClientID == "" {
		return models.Message{}, errors.New("insert returned no row")
	}
	var existing models.Message
	err = m.client.From("messages").As(m.token).
		Select(messageColumns).
		Eq("client_id", d.ClientID).
		Single().
		Into(ctx, &existing)
	if err != nil {
		return models.Message{}, fmt.Errorf("load existing message: %w", err)
	}
	return existing, nil
}

func (m *RESTMessages) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var rows []models.Message
	err := m.client.From("messages").As(m.token).
		Select(messageColumns).
		Eq("conversation_id", conversationID).
		Order("created_at", true).
		Into(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return rows, nil
}
