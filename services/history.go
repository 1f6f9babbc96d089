package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"taranqi/models"
	"taranqi/storage"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSession  = errors.New("session has no id")
)

// HistoryStore keeps every conversation of one namespace in a single KV
// value. Each mutation rewrites the whole collection with one Set, so it
// is meant for the tens to low hundreds of sessions a visitor produces.
// Concurrent writers to the same key race and the last Save wins.
type HistoryStore struct {
	kv        storage.KV
	key       string
	namespace string
	now       func() time.Time
	events    Publisher
}

type HistoryOption func(*HistoryStore)

// WithNamespace scopes the store to one visitor: the KV key becomes
// "<key>:<namespace>".
func WithNamespace(namespace string) HistoryOption {
	return func(h *HistoryStore) { h.namespace = namespace }
}

func WithClock(now func() time.Time) HistoryOption {
	return func(h *HistoryStore) { h.now = now }
}

func WithPublisher(p Publisher) HistoryOption {
	return func(h *HistoryStore) { h.events = p }
}

func NewHistoryStore(kv storage.KV, key string, opts ...HistoryOption) *HistoryStore {
	h := &HistoryStore{
		kv:  kv,
		key: key,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.namespace != "" {
		h.key = key + ":" + h.namespace
	}
	return h
}

// Key is the KV key the collection is stored under.
func (h *HistoryStore) Key() string {
	return h.key
}

// List returns all sessions, newest first. An unreadable payload is
// logged and reported as empty history; only storage failures are errors.
func (h *HistoryStore) List(ctx context.Context) ([]*models.ChatSession, error) {
	sessions, err := h.load(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (h *HistoryStore) Get(ctx context.Context, id string) (*models.ChatSession, error) {
	sessions, err := h.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// Save replaces the stored session with the same id, or inserts session
// at the front of the collection.
func (h *HistoryStore) Save(ctx context.Context, session *models.ChatSession) (*models.ChatSession, error) {
	if session == nil || session.ID == "" {
		return nil, ErrInvalidSession
	}

	sessions, err := h.load(ctx)
	if err != nil {
		return nil, err
	}

	stored := session.Clone()
	action := ActionCreated
	out := make([]*models.ChatSession, 0, len(sessions)+1)
	for _, s := range sessions {
		if s.ID != session.ID {
			out = append(out, s)
			continue
		}
		if action == ActionCreated {
			out = append(out, stored)
			action = ActionUpdated
		}
	}
	if action == ActionCreated {
		out = append([]*models.ChatSession{stored}, out...)
	}

	if err := h.write(ctx, out); err != nil {
		return nil, err
	}
	h.publish(ctx, action, session.ID)
	return stored.Clone(), nil
}

func (h *HistoryStore) Create(ctx context.Context) (*models.ChatSession, error) {
	return h.Save(ctx, models.NewChatSession(h.now()))
}

// AppendMessage adds msg to the end of session id and persists it.
func (h *HistoryStore) AppendMessage(ctx context.Context, id string, msg models.Message) (*models.ChatSession, error) {
	session, err := h.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Messages = append(session.Messages, msg)
	return h.Save(ctx, session)
}

// Delete reports whether a session was removed. Nothing is written when
// id is unknown.
func (h *HistoryStore) Delete(ctx context.Context, id string) (bool, error) {
	sessions, err := h.load(ctx)
	if err != nil {
		return false, err
	}

	out := make([]*models.ChatSession, 0, len(sessions))
	for _, s := range sessions {
		if s.ID != id {
			out = append(out, s)
		}
	}
	if len(out) == len(sessions) {
		return false, nil
	}

	if err := h.write(ctx, out); err != nil {
		return false, err
	}
	h.publish(ctx, ActionDeleted, id)
	return true, nil
}

func (h *HistoryStore) ClearAll(ctx context.Context) error {
	if err := h.kv.Delete(ctx, h.key); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	h.publish(ctx, ActionCleared, "")
	return nil
}

func (h *HistoryStore) load(ctx context.Context) ([]*models.ChatSession, error) {
	raw, err := h.kv.Get(ctx, h.key)
	if errors.Is(err, storage.ErrNotFound) {
		return []*models.ChatSession{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	sessions, err := decodeHistory(raw)
	if err != nil {
		log.Printf("[History] Ignoring unreadable history at %s: %v", h.key, err)
		return []*models.ChatSession{}, nil
	}
	if sessions == nil {
		sessions = []*models.ChatSession{}
	}
	return sessions, nil
}

func (h *HistoryStore) write(ctx context.Context, sessions []*models.ChatSession) error {
	data, err := encodeHistory(sessions)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := h.kv.Set(ctx, h.key, data); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

func (h *HistoryStore) publish(ctx context.Context, action, sessionID string) {
	if h.events == nil {
		return
	}
	h.events.Publish(ctx, HistoryEvent{
		Type:      "history_changed",
		Action:    action,
		Namespace: h.namespace,
		SessionID: sessionID,
	})
}
