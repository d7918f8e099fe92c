package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/ghostwriter/internal/ai"
	"github.com/suPer8Hu/ghostwriter/internal/log"
	"github.com/suPer8Hu/ghostwriter/internal/tasks"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrDraining     = errors.New("chat service is shutting down")
)

const (
	defaultProvider = "openrouter"
	defaultModel    = "openrouter/auto"
)

type Options struct {
	ContextWindowSize int
	// Pause between storing the user message and starting the task so the
	// message's change notification goes out first.
	FlushDelay      time.Duration
	DefaultProvider string
	DefaultModel    string
}

type Service struct {
	repo     *Repo
	registry *ai.Registry
	creator  TaskCreator
	opts     Options
	logger   *logrus.Logger

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

func NewService(repo *Repo, registry *ai.Registry, creator TaskCreator, opts Options) *Service {
	if opts.ContextWindowSize <= 0 || opts.ContextWindowSize > 100 {
		opts.ContextWindowSize = 20
	}
	if opts.FlushDelay < 0 {
		opts.FlushDelay = 0
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = defaultProvider
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = defaultModel
	}
	return &Service{repo: repo, registry: registry, creator: creator, opts: opts, logger: log.GetLogger()}
}

func (s *Service) CreateConversation(ctx context.Context, userID uint64, title, provider, model string) (*Conversation, error) {
	if provider == "" {
		provider = s.opts.DefaultProvider
	}
	if model == "" {
		model = s.opts.DefaultModel
	}
	c := &Conversation{
		UserID:   userID,
		Title:    strings.TrimSpace(title),
		Provider: provider,
		Model:    model,
	}
	if err := s.repo.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ownedConversation hides other users' conversations behind ErrNotFound.
func (s *Service) ownedConversation(ctx context.Context, userID, conversationID uint64) (*Conversation, error) {
	c, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *Service) ValidateConversationOwner(ctx context.Context, userID, conversationID uint64) error {
	_, err := s.ownedConversation(ctx, userID, conversationID)
	return err
}

// SendMessage stores the user's message and returns. The chat task is
// started afterwards in the background; its outcome is only logged.
func (s *Service) SendMessage(ctx context.Context, userID, conversationID uint64, content, authorization string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	// reserve the background slot first so Drain never misses a start
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, ErrDraining
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	started := false
	defer func() {
		if !started {
			s.inflight.Done()
		}
	}()

	if err := s.ValidateConversationOwner(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	userMsg := &Message{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           RoleUser,
		Content:        content,
	}
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	in := tasks.ChatInput{ConversationID: conversationID, MessageID: userMsg.ID}
	started = true
	go func() {
		defer s.inflight.Done()
		s.startTask(authorization, userID, in)
	}()

	return userMsg, nil
}

func (s *Service) startTask(authorization string, userID uint64, in tasks.ChatInput) {
	if s.opts.FlushDelay > 0 {
		time.Sleep(s.opts.FlushDelay)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entry := s.logger.WithFields(logrus.Fields{
		"user_id":         userID,
		"conversation_id": in.ConversationID,
		"message_id":      in.MessageID,
	})
	taskID, err := s.creator.CreateChatTask(ctx, authorization, in)
	if err != nil {
		entry.WithError(err).Error("start chat task")
		return
	}
	entry.WithField("task_id", taskID).Debug("chat task started")
}

// Wait blocks until background task starts have finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// Drain refuses new messages with ErrDraining and waits, bounded by ctx,
// for pending task starts. The HTTP server must keep serving meanwhile:
// the starts are requests against it.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) ListMessages(ctx context.Context, userID, conversationID uint64, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if err := s.ValidateConversationOwner(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, userID, conversationID, limit, beforeID)
}

// PatchMessageContent rewrites one of the user's messages.
func (s *Service) PatchMessageContent(ctx context.Context, userID, messageID uint64, content string) (*Message, error) {
	m, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, ErrNotFound
	}
	if err := s.repo.UpdateMessageContent(ctx, messageID, content); err != nil {
		return nil, err
	}
	m.Content = content
	return m, nil
}

// SetTaskMessage writes content into the assistant message of a task,
// creating it when the workflow never produced one.
func (s *Service) SetTaskMessage(ctx context.Context, userID, conversationID, taskID uint64, content string) (*Message, error) {
	if err := s.ValidateConversationOwner(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	m, err := s.repo.GetTaskMessage(ctx, taskID)
	switch {
	case err == nil:
		if err := s.repo.UpdateMessageContent(ctx, m.ID, content); err != nil {
			return nil, err
		}
		m.Content = content
		return m, nil
	case errors.Is(err, ErrNotFound):
		m = &Message{
			ConversationID: conversationID,
			UserID:         userID,
			Role:           RoleAssistant,
			Content:        content,
			AsyncTaskID:    &taskID,
		}
		if err := s.repo.InsertMessage(ctx, m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, err
	}
}

func (s *Service) providerFor(ctx context.Context, c *Conversation) (ai.Provider, error) {
	p := c.Provider
	m := c.Model
	if p == "" {
		p = s.opts.DefaultProvider
	}
	if m == "" {
		m = s.opts.DefaultModel
	}
	return s.registry.Get(ctx, p, m)
}

// Step names reported while generating a reply.
const (
	StepLoadingHistory   = "loading_history"
	StepPreparingContext = "preparing_context"
	StepCallingAI        = "calling_ai"
	StepSavingResponse   = "saving_response"
)

// GenerateAssistantReply answers the latest messages of a conversation and
// stores the reply linked to taskID. progress may be nil.
func (s *Service) GenerateAssistantReply(ctx context.Context, userID, conversationID, taskID uint64, progress func(step string)) (*Message, error) {
	report := func(step string) {
		if progress != nil {
			progress(step)
		}
	}

	conv, err := s.ownedConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	provider, err := s.providerFor(ctx, conv)
	if err != nil {
		return nil, err
	}

	report(StepLoadingHistory)
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, userID, conversationID, s.opts.ContextWindowSize)
	if err != nil {
		return nil, err
	}

	report(StepPreparingContext)
	// provider expects ASC
	providerMsgs := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		providerMsgs = append(providerMsgs, ai.Message{Role: m.Role, Content: m.Content})
	}

	report(StepCallingAI)
	reply, err := provider.Chat(ctx, providerMsgs)
	if err != nil {
		return nil, err
	}

	report(StepSavingResponse)
	assistantMsg := &Message{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           RoleAssistant,
		Content:        reply.Content,
		AsyncTaskID:    &taskID,
	}
	if reply.Thinking != "" {
		thinking := reply.Thinking
		assistantMsg.Thinking = &thinking
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return nil, err
	}
	return assistantMsg, nil
}
