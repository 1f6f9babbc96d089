package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taranqi/models"
	"taranqi/storage"
)

type completerFunc func(ctx context.Context, req CompletionRequest) (string, error)

func (f completerFunc) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return f(ctx, req)
}

func replyWith(text string) completerFunc {
	return func(context.Context, CompletionRequest) (string, error) { return text, nil }
}

// blockingCompleter holds every request until release is closed.
type blockingCompleter struct {
	started chan CompletionRequest
	release chan struct{}
	reply   string
}

func newBlockingCompleter(reply string) *blockingCompleter {
	return &blockingCompleter{
		started: make(chan CompletionRequest, 1),
		release: make(chan struct{}),
		reply:   reply,
	}
}

func (b *blockingCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	b.started <- req
	select {
	case <-b.release:
		return b.reply, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrCompletionFailed, ctx.Err())
	}
}

func newTestController(t *testing.T, kv storage.KV, c Completer) (*ChatController, *HistoryStore) {
	t.Helper()
	store := newTestStore(kv)
	ctrl := NewChatController(store, c, ControllerConfig{Model: "test-model", Now: stepClock(t0)})
	require.NoError(t, ctrl.Init(context.Background()))
	return ctrl, store
}

func TestControllerInitCreatesSession(t *testing.T) {
	ctrl, store := newTestController(t, storage.NewMemoryKV(), replyWith("ok"))

	snap := ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	require.NotNil(t, snap.Session)
	assert.Equal(t, models.DefaultTitle, snap.Session.Title)

	sessions, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, snap.Session.ID, sessions[0].ID)
}

func TestControllerInitResumesNewest(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	store := newTestStore(kv)
	_, err := store.Save(ctx, &models.ChatSession{ID: "old", CreatedAt: t0, Messages: []models.Message{}})
	require.NoError(t, err)
	_, err = store.Save(ctx, &models.ChatSession{ID: "new", CreatedAt: t0.Add(time.Minute), Messages: []models.Message{}})
	require.NoError(t, err)

	ctrl := NewChatController(store, replyWith("ok"), ControllerConfig{})
	require.NoError(t, ctrl.Init(ctx))
	assert.Equal(t, "new", ctrl.Snapshot().Session.ID)

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2, "init must not create when history exists")
}

func TestControllerSendMessage(t *testing.T) {
	ctx := context.Background()
	var got CompletionRequest
	ctrl, store := newTestController(t, storage.NewMemoryKV(), completerFunc(func(_ context.Context, req CompletionRequest) (string, error) {
		got = req
		return "建议了解计算机科学", nil
	}))

	session, err := ctrl.SendMessage(ctx, "  什么专业适合我 ")
	require.NoError(t, err)

	require.Len(t, session.Messages, 2)
	assert.Equal(t, models.RoleUser, session.Messages[0].Role)
	assert.Equal(t, "什么专业适合我", session.Messages[0].Content)
	assert.Equal(t, models.RoleAssistant, session.Messages[1].Role)
	assert.Equal(t, "建议了解计算机科学", session.Messages[1].Content)
	assert.Equal(t, "什么专业适合我", session.Title)

	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, DefaultSystemPrompt, got.SystemPrompt)
	assert.Equal(t, []ChatTurn{{Role: "user", Content: "什么专业适合我"}}, got.Messages)

	stored, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session, stored)
	assert.Equal(t, StateIdle, ctrl.Snapshot().State)
}

func TestControllerTitleFromFirstMessageOnly(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController(t, storage.NewMemoryKV(), replyWith("sure"))

	session, err := ctrl.SendMessage(ctx, "Hello, how are you today please help")
	require.NoError(t, err)
	assert.Equal(t, "Hello, how are you today pleas...", session.Title)

	session, err = ctrl.SendMessage(ctx, "second question")
	require.NoError(t, err)
	assert.Equal(t, "Hello, how are you today pleas...", session.Title)
	assert.Len(t, session.Messages, 4)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "短问题", deriveTitle("短问题"))

	exact := "一二三四五六七八九十一二三四五六七八九十一二三四五六七八九十"
	assert.Equal(t, exact, deriveTitle(exact))
	assert.Equal(t, exact+"...", deriveTitle(exact+"多"))
}

func TestControllerSendEmptyIsNoop(t *testing.T) {
	calls := 0
	ctrl, store := newTestController(t, storage.NewMemoryKV(), completerFunc(func(context.Context, CompletionRequest) (string, error) {
		calls++
		return "x", nil
	}))

	_, err := ctrl.SendMessage(context.Background(), " \n\t ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Zero(t, calls)

	s, err := store.Get(context.Background(), ctrl.Snapshot().Session.ID)
	require.NoError(t, err)
	assert.Empty(t, s.Messages)
}

func TestControllerCompletionFailure(t *testing.T) {
	ctx := context.Background()
	ctrl, store := newTestController(t, storage.NewMemoryKV(), completerFunc(func(context.Context, CompletionRequest) (string, error) {
		return "", fmt.Errorf("%w: status 500", ErrCompletionFailed)
	}))

	session, err := ctrl.SendMessage(ctx, "什么专业适合我")
	require.NoError(t, err)

	require.Len(t, session.Messages, 2)
	assert.Equal(t, models.RoleUser, session.Messages[0].Role)
	assert.Equal(t, models.RoleNotification, session.Messages[1].Role)
	assert.NotEmpty(t, session.Messages[1].Content)

	snap := ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Contains(t, snap.LastError, "status 500")

	stored, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	for _, m := range stored.Messages {
		assert.NotEqual(t, models.RoleAssistant, m.Role, "no placeholder may be stored")
	}

	// The next send works and the failure notice stays out of the model history.
	ctrl.completer = completerFunc(func(_ context.Context, req CompletionRequest) (string, error) {
		for _, turn := range req.Messages {
			assert.NotEqual(t, string(models.RoleNotification), turn.Role)
		}
		return "好的", nil
	})
	session, err = ctrl.SendMessage(ctx, "再试一次")
	require.NoError(t, err)
	assert.Len(t, session.Messages, 4)
	assert.Empty(t, ctrl.Snapshot().LastError)
}

func TestControllerCancelledRequestIsStored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bc := newBlockingCompleter("never")
	ctrl, store := newTestController(t, storage.NewMemoryKV(), bc)

	done := make(chan *models.ChatSession, 1)
	go func() {
		s, err := ctrl.SendMessage(ctx, "问题")
		assert.NoError(t, err)
		done <- s
	}()
	<-bc.started
	cancel()
	session := <-done

	require.Len(t, session.Messages, 2)
	assert.Equal(t, models.RoleNotification, session.Messages[1].Role)

	stored, err := store.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 2)
}

func TestControllerRejectsConcurrentSend(t *testing.T) {
	ctx := context.Background()
	bc := newBlockingCompleter("第一条回复")
	ctrl, store := newTestController(t, storage.NewMemoryKV(), bc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := ctrl.SendMessage(ctx, "第一条")
		assert.NoError(t, err)
	}()
	<-bc.started

	snap := ctrl.Snapshot()
	assert.Equal(t, StateSending, snap.State)
	require.Len(t, snap.Session.Messages, 2)
	assert.Equal(t, models.RoleAssistant, snap.Session.Messages[1].Role)
	assert.Empty(t, snap.Session.Messages[1].Content)

	// The placeholder lives only in memory.
	stored, err := store.Get(ctx, snap.Session.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 1)

	_, err = ctrl.SendMessage(ctx, "第二条")
	assert.ErrorIs(t, err, ErrBusy)

	_, err = ctrl.DeleteConversation(ctx, snap.Session.ID)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, ctrl.ClearHistory(ctx), ErrBusy)

	close(bc.release)
	wg.Wait()

	snap = ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	require.Len(t, snap.Session.Messages, 2)
	assert.Equal(t, "第一条回复", snap.Session.Messages[1].Content)
}

func TestControllerDeleteSendingSessionAfterSwitch(t *testing.T) {
	ctx := context.Background()
	bc := newBlockingCompleter("回复")
	ctrl, store := newTestController(t, storage.NewMemoryKV(), bc)
	sendingID := ctrl.Snapshot().Session.ID

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.SendMessage(ctx, "hello")
		done <- err
	}()
	<-bc.started

	_, err := ctrl.NewConversation(ctx)
	require.NoError(t, err)

	removed, err := ctrl.DeleteConversation(ctx, sendingID)
	assert.ErrorIs(t, err, ErrBusy)
	assert.False(t, removed)

	close(bc.release)
	require.NoError(t, <-done)

	// Once the reply is stored the session can go, and stays gone.
	removed, err = ctrl.DeleteConversation(ctx, sendingID)
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = store.Get(ctx, sendingID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestControllerFeatureSwitchDuringSendIsKept(t *testing.T) {
	ctx := context.Background()
	bc := newBlockingCompleter("回复")
	ctrl, store := newTestController(t, storage.NewMemoryKV(), bc)
	sendingID := ctrl.Snapshot().Session.ID

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.SendMessage(ctx, "hello")
		done <- err
	}()
	<-bc.started

	_, err := ctrl.NewConversation(ctx)
	require.NoError(t, err)
	selected, err := ctrl.SelectConversation(ctx, sendingID)
	require.NoError(t, err)
	require.Len(t, selected.Messages, 2, "reselecting shows the pending reply")

	_, err = ctrl.SelectFeature(ctx, "major-match")
	require.NoError(t, err)

	close(bc.release)
	require.NoError(t, <-done)

	f, _ := NewFeatureCatalog().Lookup("major-match")
	stored, err := store.Get(ctx, sendingID)
	require.NoError(t, err)
	assert.Equal(t, f.Title, stored.Title)

	roles := make([]models.Role, 0, len(stored.Messages))
	for _, m := range stored.Messages {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []models.Role{models.RoleUser, models.RoleAssistant, models.RoleNotification}, roles)
	assert.Equal(t, "回复", stored.Messages[1].Content)

	snap := ctrl.Snapshot()
	assert.Equal(t, sendingID, snap.Session.ID)
	assert.Len(t, snap.Session.Messages, 3)
}

func TestControllerSaveFailureRollsBack(t *testing.T) {
	kv := &countingKV{KV: storage.NewMemoryKV()}
	calls := 0
	ctrl, _ := newTestController(t, kv, completerFunc(func(context.Context, CompletionRequest) (string, error) {
		calls++
		return "x", nil
	}))

	kv.failSet = errors.New("quota exceeded")
	_, err := ctrl.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.Zero(t, calls)

	snap := ctrl.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Session.Messages)
	assert.Equal(t, models.DefaultTitle, snap.Session.Title)
}

func TestControllerSelectFeature(t *testing.T) {
	ctx := context.Background()
	var got CompletionRequest
	ctrl, store := newTestController(t, storage.NewMemoryKV(), completerFunc(func(_ context.Context, req CompletionRequest) (string, error) {
		got = req
		return "可以考虑物化生", nil
	}))

	session, err := ctrl.SelectFeature(ctx, "subject-choice")
	require.NoError(t, err)
	assert.Equal(t, "选科建议", session.Title)
	require.Len(t, session.Messages, 1)
	assert.Equal(t, models.RoleNotification, session.Messages[0].Role)
	assert.Contains(t, session.Messages[0].Content, "选科建议")

	stored, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 1)

	session, err = ctrl.SendMessage(ctx, "我物理好")
	require.NoError(t, err)
	assert.Equal(t, "我物理好", session.Title, "the first message after a switch still names the session")

	f, _ := ctrl.features.Lookup("subject-choice")
	assert.Equal(t, f.SystemPrompt, got.SystemPrompt)
	assert.Equal(t, []ChatTurn{{Role: "user", Content: "我物理好"}}, got.Messages)

	snap := ctrl.Snapshot()
	require.NotNil(t, snap.Feature)
	assert.Equal(t, "subject-choice", snap.Feature.ID)
}

func TestControllerSelectUnknownFeature(t *testing.T) {
	ctrl, _ := newTestController(t, storage.NewMemoryKV(), replyWith("x"))

	_, err := ctrl.SelectFeature(context.Background(), "astrology")
	assert.ErrorIs(t, err, ErrUnknownFeature)
}

func TestControllerConversations(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController(t, storage.NewMemoryKV(), replyWith("回复"))

	first := ctrl.Snapshot().Session
	_, err := ctrl.SendMessage(ctx, "第一个会话")
	require.NoError(t, err)

	second, err := ctrl.NewConversation(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, second.ID, ctrl.Snapshot().Session.ID)

	sessions, err := ctrl.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID)

	selected, err := ctrl.SelectConversation(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, selected.Messages, 2)
	assert.Equal(t, first.ID, ctrl.Snapshot().Session.ID)

	_, err = ctrl.SelectConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, first.ID, ctrl.Snapshot().Session.ID)
}

func TestControllerDeleteActiveStartsFresh(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController(t, storage.NewMemoryKV(), replyWith("x"))

	active := ctrl.Snapshot().Session.ID
	removed, err := ctrl.DeleteConversation(ctx, active)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NotEqual(t, active, ctrl.Snapshot().Session.ID)

	removed, err = ctrl.DeleteConversation(ctx, active)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestControllerClearHistory(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController(t, storage.NewMemoryKV(), replyWith("x"))
	_, err := ctrl.NewConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, ctrl.ClearHistory(ctx))

	sessions, err := ctrl.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, sessions[0].ID, ctrl.Snapshot().Session.ID)
}

func TestControllerMessageCountGrowsByTwo(t *testing.T) {
	ctx := context.Background()
	fail := false
	ctrl, _ := newTestController(t, storage.NewMemoryKV(), completerFunc(func(context.Context, CompletionRequest) (string, error) {
		if fail {
			return "", ErrCompletionFailed
		}
		return "ok", nil
	}))

	for i := 0; i < 6; i++ {
		fail = i%3 == 2
		before := len(ctrl.Snapshot().Session.Messages)
		session, err := ctrl.SendMessage(ctx, fmt.Sprintf("问题 %d", i))
		require.NoError(t, err)
		assert.Len(t, session.Messages, before+2)
	}
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, canTransition(StateIdle, StateSending))
	assert.True(t, canTransition(StateSending, StateIdle))
	assert.True(t, canTransition(StateSending, StateError))
	assert.True(t, canTransition(StateError, StateIdle))

	assert.False(t, canTransition(StateSending, StateSending))
	assert.False(t, canTransition(StateError, StateSending))
	assert.False(t, canTransition(StateIdle, StateError))
}
