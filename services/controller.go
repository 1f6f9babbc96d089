package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"taranqi/models"
)

var (
	ErrBusy           = errors.New("a message is already being sent")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrUnknownFeature = errors.New("unknown feature")
)

// titleMaxRunes bounds a title derived from the first user message.
const titleMaxRunes = 30

type ChatState string

const (
	StateIdle    ChatState = "idle"
	StateSending ChatState = "sending"
	StateError   ChatState = "error"
)

var chatTransitions = map[ChatState][]ChatState{
	StateIdle:    {StateSending},
	StateSending: {StateIdle, StateError},
	StateError:   {StateIdle},
}

func canTransition(from, to ChatState) bool {
	for _, s := range chatTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SessionStore is what the controller needs from conversation storage.
// HistoryStore implements it.
type SessionStore interface {
	List(ctx context.Context) ([]*models.ChatSession, error)
	Get(ctx context.Context, id string) (*models.ChatSession, error)
	Save(ctx context.Context, session *models.ChatSession) (*models.ChatSession, error)
	Create(ctx context.Context) (*models.ChatSession, error)
	Delete(ctx context.Context, id string) (bool, error)
	ClearAll(ctx context.Context) error
}

type ControllerConfig struct {
	Model        string
	SystemPrompt string
	Features     *FeatureCatalog
	Now          func() time.Time
}

// Snapshot is a copy of the controller's visible state.
type Snapshot struct {
	State     ChatState           `json:"state"`
	Session   *models.ChatSession `json:"session"`
	Feature   *Feature            `json:"feature,omitempty"`
	LastError string              `json:"last_error,omitempty"`
}

// ChatController drives one visitor's consultation chat: it owns the
// working copy of the active session and writes it back to the store
// after every change. At most one completion request is in flight.
type ChatController struct {
	store     SessionStore
	completer Completer
	model     string
	prompt    string
	features  *FeatureCatalog
	now       func() time.Time

	mu      sync.Mutex
	state   ChatState
	active  *models.ChatSession
	feature *Feature
	// session awaiting a reply and the id of its assistant placeholder
	sending *models.ChatSession
	pending string
	lastErr string
}

func NewChatController(store SessionStore, completer Completer, cfg ControllerConfig) *ChatController {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Features == nil {
		cfg.Features = NewFeatureCatalog()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &ChatController{
		store:     store,
		completer: completer,
		model:     cfg.Model,
		prompt:    cfg.SystemPrompt,
		features:  cfg.Features,
		now:       cfg.Now,
		state:     StateIdle,
	}
}

// Init resumes the newest stored session, or starts one if there is none.
func (c *ChatController) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessions, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(sessions) > 0 {
		c.active = sessions[0]
		return nil
	}

	s, err := c.store.Create(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	c.active = s
	return nil
}

func (c *ChatController) NewConversation(ctx context.Context) (*models.ChatSession, error) {
	s, err := c.store.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = s
	return s.Clone(), nil
}

// SelectConversation makes a stored session active without writing.
func (c *ChatController) SelectConversation(ctx context.Context, id string) (*models.ChatSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && c.active.ID == id {
		return c.active.Clone(), nil
	}
	// The stored copy lags behind the session awaiting a reply.
	if c.sending != nil && c.sending.ID == id {
		c.active = c.sending
		return c.active.Clone(), nil
	}

	s, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.active = s
	return s.Clone(), nil
}

// SelectFeature switches the system prompt for following messages and
// records the switch in the transcript.
func (c *ChatController) SelectFeature(ctx context.Context, featureID string) (*models.ChatSession, error) {
	f, ok := c.features.Lookup(featureID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeature, featureID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureActiveLocked(ctx); err != nil {
		return nil, err
	}

	c.feature = &f
	c.active.Title = f.Title
	c.active.Messages = append(c.active.Messages,
		models.NewMessage(models.RoleNotification, fmt.Sprintf("已切换到「%s」模式", f.Title), c.now()))

	saved, err := c.store.Save(ctx, c.persistableLocked(c.active))
	if err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return saved, nil
}

// SendMessage appends text as a user message, asks the completer for a
// reply and stores the outcome. A failed completion is not an error: it
// ends up as a notification in the returned session. ErrEmptyMessage and
// ErrBusy mean nothing was sent.
func (c *ChatController) SendMessage(ctx context.Context, text string) (*models.ChatSession, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	if !canTransition(c.state, StateSending) {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	if err := c.ensureActiveLocked(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	working := c.active
	prevTitle := working.Title
	working.Messages = append(working.Messages, models.NewMessage(models.RoleUser, text, c.now()))
	if len(working.Messages) <= 2 {
		working.Title = deriveTitle(text)
	}
	if _, err := c.store.Save(ctx, working); err != nil {
		working.Messages = working.Messages[:len(working.Messages)-1]
		working.Title = prevTitle
		c.mu.Unlock()
		return nil, fmt.Errorf("save user message: %w", err)
	}

	placeholder := models.NewMessage(models.RoleAssistant, "", c.now())
	req := CompletionRequest{
		Messages:     buildHistory(working.Messages),
		Model:        c.model,
		SystemPrompt: c.systemPromptLocked(),
	}
	working.Messages = append(working.Messages, placeholder)
	c.sending = working
	c.pending = placeholder.ID
	c.lastErr = ""
	c.state = StateSending
	c.mu.Unlock()

	reply, err := c.completer.Complete(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sending = nil
	c.pending = ""
	if err == nil {
		for i := range working.Messages {
			if working.Messages[i].ID == placeholder.ID {
				working.Messages[i].Content = reply
				break
			}
		}
		c.state = StateIdle
	} else {
		log.Printf("[Chat] Completion failed for session %s: %v", working.ID, err)
		c.state = StateError
		c.lastErr = err.Error()
		working.Messages = removeMessage(working.Messages, placeholder.ID)
		working.Messages = append(working.Messages,
			models.NewMessage(models.RoleNotification, "抱歉，AI 顾问暂时无法回复，请稍后重试。", c.now()))
	}
	// The reply is already paid for; keep it even if the caller went away.
	saved, saveErr := c.store.Save(context.WithoutCancel(ctx), working)
	if c.state == StateError {
		c.state = StateIdle
	}
	if saveErr != nil {
		return nil, fmt.Errorf("save conversation: %w", saveErr)
	}
	return saved, nil
}

// DeleteConversation removes a stored session. Removing the active one
// starts a fresh conversation. The session awaiting a reply cannot be
// removed until the reply is stored.
func (c *ChatController) DeleteConversation(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sending != nil && c.sending.ID == id {
		return false, ErrBusy
	}

	removed, err := c.store.Delete(ctx, id)
	if err != nil || !removed {
		return removed, err
	}
	if c.active != nil && c.active.ID == id {
		c.active = nil
		if err := c.ensureActiveLocked(ctx); err != nil {
			return true, err
		}
	}
	return true, nil
}

// ClearHistory drops every stored session and starts a fresh one.
func (c *ChatController) ClearHistory(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sending != nil {
		return ErrBusy
	}
	if err := c.store.ClearAll(ctx); err != nil {
		return err
	}
	c.active = nil
	return c.ensureActiveLocked(ctx)
}

func (c *ChatController) Sessions(ctx context.Context) ([]*models.ChatSession, error) {
	return c.store.List(ctx)
}

func (c *ChatController) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:     c.state,
		Session:   c.active.Clone(),
		LastError: c.lastErr,
	}
	if c.feature != nil {
		f := *c.feature
		snap.Feature = &f
	}
	return snap
}

func (c *ChatController) ensureActiveLocked(ctx context.Context) error {
	if c.active != nil {
		return nil
	}
	s, err := c.store.Create(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	c.active = s
	return nil
}

// persistableLocked drops the in-flight placeholder, which is never stored.
func (c *ChatController) persistableLocked(s *models.ChatSession) *models.ChatSession {
	out := s.Clone()
	if c.pending != "" {
		out.Messages = removeMessage(out.Messages, c.pending)
	}
	return out
}

func (c *ChatController) systemPromptLocked() string {
	if c.feature != nil {
		return c.feature.SystemPrompt
	}
	return c.prompt
}

// buildHistory is the model-facing transcript: notifications are UI-only.
func buildHistory(msgs []models.Message) []ChatTurn {
	turns := make([]ChatTurn, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleNotification {
			continue
		}
		turns = append(turns, ChatTurn{Role: string(m.Role), Content: m.Content})
	}
	return turns
}

func deriveTitle(text string) string {
	r := []rune(text)
	if len(r) <= titleMaxRunes {
		return text
	}
	return string(r[:titleMaxRunes]) + "..."
}

func removeMessage(msgs []models.Message, id string) []models.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}
