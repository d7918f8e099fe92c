package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/ghostwriter/internal/ai"
	"github.com/suPer8Hu/ghostwriter/internal/tasks"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingProvider struct {
	last  []ai.Message
	reply ai.Reply
	err   error
}

func (p *recordingProvider) Chat(ctx context.Context, messages []ai.Message) (ai.Reply, error) {
	_ = ctx
	// copy to avoid mutations
	p.last = append([]ai.Message(nil), messages...)
	return p.reply, p.err
}

type creatorCall struct {
	auth string
	in   tasks.ChatInput
}

type fakeCreator struct {
	mu      sync.Mutex
	calls   []creatorCall
	release chan struct{}
	err     error
}

func (c *fakeCreator) CreateChatTask(ctx context.Context, authorization string, in tasks.ChatInput) (uint64, error) {
	if c.release != nil {
		<-c.release
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, creatorCall{auth: authorization, in: in})
	return uint64(len(c.calls)), c.err
}

func (c *fakeCreator) Calls() []creatorCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]creatorCall(nil), c.calls...)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, prov ai.Provider, creator TaskCreator, window int) (*Service, *Repo) {
	t.Helper()
	repo := NewRepo(openTestDB(t))
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})
	svc := NewService(repo, reg, creator, Options{
		ContextWindowSize: window,
		DefaultProvider:   "fake",
		DefaultModel:      "default",
	})
	t.Cleanup(svc.Wait)
	return svc, repo
}

func TestSendMessage_StoresUserMessageAndStartsTask(t *testing.T) {
	creator := &fakeCreator{}
	svc, repo := newTestService(t, &recordingProvider{}, creator, 20)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, 1, "Draft", "", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	msg, err := svc.SendMessage(ctx, 1, conv.ID, "Hello", "Bearer tok")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if msg.ID == 0 || msg.Role != RoleUser || msg.Content != "Hello" {
		t.Fatalf("unexpected user message: %+v", msg)
	}

	svc.Wait()
	calls := creator.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 task creation, got %d", len(calls))
	}
	if calls[0].auth != "Bearer tok" {
		t.Fatalf("authorization not forwarded: %q", calls[0].auth)
	}
	want := tasks.ChatInput{ConversationID: conv.ID, MessageID: msg.ID}
	if calls[0].in != want {
		t.Fatalf("unexpected task input: %+v", calls[0].in)
	}

	stored, err := repo.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stored.Content != "Hello" {
		t.Fatalf("unexpected stored content %q", stored.Content)
	}
}

func TestSendMessage_ReturnsBeforeTaskCreation(t *testing.T) {
	creator := &fakeCreator{release: make(chan struct{})}
	svc, _ := newTestService(t, &recordingProvider{}, creator, 20)
	svc.opts.FlushDelay = 20 * time.Millisecond
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, 1, "", "", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	start := time.Now()
	if _, err := svc.SendMessage(ctx, 1, conv.ID, "Hello", ""); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if cost := time.Since(start); cost > 500*time.Millisecond {
		t.Fatalf("send blocked on task creation: %s", cost)
	}
	if n := len(creator.Calls()); n != 0 {
		t.Fatalf("task creation should still be pending, got %d calls", n)
	}

	close(creator.release)
	svc.Wait()
	if n := len(creator.Calls()); n != 1 {
		t.Fatalf("expected 1 call after release, got %d", n)
	}
}

func TestSendMessage_TaskCreationFailureIsNotReturned(t *testing.T) {
	creator := &fakeCreator{err: errors.New("create task: status 500")}
	svc, _ := newTestService(t, &recordingProvider{}, creator, 20)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, 1, "", "", "")
	if _, err := svc.SendMessage(ctx, 1, conv.ID, "Hello", ""); err != nil {
		t.Fatalf("send message should succeed, got %v", err)
	}
}

func TestSendMessage_ForeignConversation(t *testing.T) {
	creator := &fakeCreator{}
	svc, repo := newTestService(t, &recordingProvider{}, creator, 20)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, 1, "", "", "")

	if _, err := svc.SendMessage(ctx, 2, conv.ID, "Hello", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.SendMessage(ctx, 1, 999, "Hello", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing conversation, got %v", err)
	}
	if _, err := svc.SendMessage(ctx, 1, conv.ID, "   ", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}

	svc.Wait()
	msgs, _ := repo.ListMessages(ctx, 1, conv.ID, 10, 0)
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
	if n := len(creator.Calls()); n != 0 {
		t.Fatalf("expected no task creation, got %d", n)
	}
}

func TestDrain_WaitsForStartsAndRefusesNew(t *testing.T) {
	creator := &fakeCreator{release: make(chan struct{})}
	svc, repo := newTestService(t, &recordingProvider{}, creator, 20)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, 1, "", "", "")
	if _, err := svc.SendMessage(ctx, 1, conv.ID, "Hello", ""); err != nil {
		t.Fatalf("send message: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := svc.Drain(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain to time out on a pending start, got %v", err)
	}

	if _, err := svc.SendMessage(ctx, 1, conv.ID, "Again", ""); !errors.Is(err, ErrDraining) {
		t.Fatalf("expected ErrDraining, got %v", err)
	}

	close(creator.release)
	if err := svc.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n := len(creator.Calls()); n != 1 {
		t.Fatalf("expected the pending start to finish, got %d calls", n)
	}
	msgs, _ := repo.ListMessages(ctx, 1, conv.ID, 10, 0)
	if len(msgs) != 1 {
		t.Fatalf("refused message must not be stored, got %d messages", len(msgs))
	}
}

func TestGenerateAssistantReply_UsesContextWindow(t *testing.T) {
	prov := &recordingProvider{reply: ai.Reply{Content: "ok"}}
	window := 3
	svc, repo := newTestService(t, prov, &fakeCreator{}, window)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, 2, "", "", "")

	// seed messages: 5 messages already in history
	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		content := "seed"
		if i == 4 {
			content = "new"
		}
		if err := repo.InsertMessage(ctx, &Message{ConversationID: conv.ID, UserID: 2, Role: role, Content: content}); err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
	}

	if _, err := svc.GenerateAssistantReply(ctx, 2, conv.ID, 77, nil); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if len(prov.last) != window {
		t.Fatalf("expected provider to receive %d messages, got %d", window, len(prov.last))
	}
	// The newest message in provider input should be the latest user message.
	if last := prov.last[len(prov.last)-1]; last.Role != RoleUser || last.Content != "new" {
		t.Fatalf("expected last provider msg to be newest user msg, got role=%q content=%q", last.Role, last.Content)
	}
}

func TestGenerateAssistantReply_StoresReplyWithThinking(t *testing.T) {
	prov := &recordingProvider{reply: ai.Reply{Content: "answer", Thinking: "reasoning"}}
	svc, repo := newTestService(t, prov, &fakeCreator{}, 20)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, 1, "", "", "")
	_ = repo.InsertMessage(ctx, &Message{ConversationID: conv.ID, UserID: 1, Role: RoleUser, Content: "q"})

	var steps []string
	msg, err := svc.GenerateAssistantReply(ctx, 1, conv.ID, 5, func(step string) { steps = append(steps, step) })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if msg.Role != RoleAssistant || msg.Content != "answer" {
		t.Fatalf("unexpected reply: %+v", msg)
	}
	if msg.Thinking == nil || *msg.Thinking != "reasoning" {
		t.Fatalf("thinking not stored: %v", msg.Thinking)
	}
	if msg.AsyncTaskID == nil || *msg.AsyncTaskID != 5 {
		t.Fatalf("task link not stored: %v", msg.AsyncTaskID)
	}
	want := []string{StepLoadingHistory, StepPreparingContext, StepCallingAI, StepSavingResponse}
	if strings.Join(steps, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected steps %v", steps)
	}

	got, err := repo.GetTaskMessage(ctx, 5)
	if err != nil || got.ID != msg.ID {
		t.Fatalf("task message lookup: %v %+v", err, got)
	}
}

func TestGenerateAssistantReply_ProviderError(t *testing.T) {
	prov := &recordingProvider{err: errors.New("openrouter: quota")}
	svc, repo := newTestService(t, prov, &fakeCreator{}, 20)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, 1, "", "", "")
	if _, err := svc.GenerateAssistantReply(ctx, 1, conv.ID, 5, nil); err == nil {
		t.Fatalf("expected provider error")
	}
	if _, err := repo.GetTaskMessage(ctx, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no assistant message expected, got %v", err)
	}
}

func TestSetTaskMessage_InsertsThenUpdates(t *testing.T) {
	svc, _ := newTestService(t, &recordingProvider{}, &fakeCreator{}, 20)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, 1, "", "", "")

	first, err := svc.SetTaskMessage(ctx, 1, conv.ID, 9, "Sorry")
	if err != nil {
		t.Fatalf("set task message: %v", err)
	}
	second, err := svc.SetTaskMessage(ctx, 1, conv.ID, 9, "Sorry again")
	if err != nil {
		t.Fatalf("set task message: %v", err)
	}
	if first.ID != second.ID || second.Content != "Sorry again" {
		t.Fatalf("expected in-place update, got %+v then %+v", first, second)
	}

	if _, err := svc.SetTaskMessage(ctx, 2, conv.ID, 9, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign user, got %v", err)
	}
}

func TestPatchMessageContent_Ownership(t *testing.T) {
	svc, repo := newTestService(t, &recordingProvider{}, &fakeCreator{}, 20)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, 1, "", "", "")
	m := &Message{ConversationID: conv.ID, UserID: 1, Role: RoleAssistant, Content: "draft"}
	_ = repo.InsertMessage(ctx, m)

	if _, err := svc.PatchMessageContent(ctx, 2, m.ID, "hijack"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	patched, err := svc.PatchMessageContent(ctx, 1, m.ID, "final")
	if err != nil || patched.Content != "final" {
		t.Fatalf("patch: %v %+v", err, patched)
	}
}

func TestHTTPTaskCreator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks/create" || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["task_type"] != "chat" {
			http.Error(w, `{"message":"bad type"}`, http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"task_id":31,"status":"pending"}`))
	}))
	defer srv.Close()

	c := NewHTTPTaskCreator(srv.URL + "/")
	id, err := c.CreateChatTask(context.Background(), "Bearer tok", tasks.ChatInput{ConversationID: 1, MessageID: 2})
	if err != nil || id != 31 {
		t.Fatalf("create: id=%d err=%v", id, err)
	}

	_, err = c.CreateChatTask(context.Background(), "", tasks.ChatInput{ConversationID: 1, MessageID: 2})
	if err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}
