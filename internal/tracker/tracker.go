// Package tracker follows the async tasks of one conversation from the
// client side. It merges realtime change events with a polling fallback
// and exposes a debounced "is processing" flag.
package tracker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/ghostwriter/internal/log"
	"github.com/suPer8Hu/ghostwriter/internal/realtime"
	"github.com/suPer8Hu/ghostwriter/internal/tasks"
)

// ChangePoll tags reconciliations found by polling.
const ChangePoll tasks.ChangeType = "POLL"

const (
	DefaultDedupSize    = 4096
	DefaultDebounce     = 16 * time.Millisecond
	DefaultPollInterval = 2 * time.Second

	DefaultFailureNotice = "Sorry, something went wrong while generating a response. Please try again."
)

var ErrNotOpen = errors.New("tracker: no conversation open")

type TaskSource interface {
	// ListActive returns the caller's pending or processing tasks.
	ListActive(ctx context.Context, conversationID uint64) ([]tasks.Task, error)
	// ListSettled returns those of ids that reached a terminal status.
	ListSettled(ctx context.Context, ids []uint64) ([]tasks.Task, error)
}

type Subscriber interface {
	// Subscribe streams change events until ctx is done.
	Subscribe(ctx context.Context) (<-chan realtime.Event, error)
}

type MessagePatcher interface {
	// SetTaskMessage replaces the visible content of a task's reply.
	SetTaskMessage(ctx context.Context, taskID uint64, content string) error
}

type SendResult struct {
	UserMessageID uint64
	// TaskID is zero when the server starts the task asynchronously.
	TaskID uint64
}

type MessageSender interface {
	SendMessage(ctx context.Context, conversationID uint64, text string) (SendResult, error)
}

type Options struct {
	Source     TaskSource
	Subscriber Subscriber
	// Patcher and Sender are optional.
	Patcher MessagePatcher
	Sender  MessageSender

	DedupSize     int
	Debounce      time.Duration
	PollInterval  time.Duration
	FailureNotice string

	// OnProcessingChange runs on a timer goroutine after the debounce
	// settles, only when the flag actually changed.
	OnProcessingChange func(processing bool)
}

type Tracker struct {
	opts   Options
	logger *logrus.Logger

	mu             sync.Mutex
	open           bool
	conversationID uint64
	outstanding    map[uint64]struct{}
	seen           *lru.Cache[uint64, struct{}]
	// failed tasks whose reply was already patched
	patched        map[uint64]struct{}
	processing     bool
	lastErr        string

	// gen invalidates timers and goroutines of a torn down conversation.
	gen        uint64
	debounce   *time.Timer
	pollCancel context.CancelFunc
	subCancel  context.CancelFunc

	wg sync.WaitGroup
}

func New(opts Options) (*Tracker, error) {
	if opts.Source == nil {
		return nil, errors.New("tracker: task source is required")
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = DefaultDedupSize
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.FailureNotice == "" {
		opts.FailureNotice = DefaultFailureNotice
	}
	seen, err := lru.New[uint64, struct{}](opts.DedupSize)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		opts:        opts,
		logger:      log.GetLogger(),
		outstanding: make(map[uint64]struct{}),
		seen:        seen,
		patched:     make(map[uint64]struct{}),
	}, nil
}

// Open starts tracking conversationID, tearing down any previous one.
func (t *Tracker) Open(ctx context.Context, conversationID uint64) error {
	t.mu.Lock()
	dropped := t.teardownLocked()
	t.open = true
	t.conversationID = conversationID
	gen := t.gen
	t.mu.Unlock()
	t.flagDropped(dropped)

	// subscribe before seeding: a task inserted in between is then seen
	// through its INSERT event, and dedup absorbs the overlap
	t.subscribe(gen, conversationID)

	active, err := t.opts.Source.ListActive(ctx, conversationID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		return nil
	}
	for _, task := range active {
		if !task.Status.Terminal() {
			t.outstanding[task.ID] = struct{}{}
		}
	}
	t.scheduleRecomputeLocked()
	t.syncPollingLocked()
	return nil
}

func (t *Tracker) subscribe(gen, conversationID uint64) {
	if t.opts.Subscriber == nil {
		return
	}
	subCtx, cancel := context.WithCancel(context.Background())
	events, err := t.opts.Subscriber.Subscribe(subCtx)
	if err != nil {
		cancel()
		// polling still converges
		t.logger.WithField("conversation_id", conversationID).WithError(err).Warn("realtime subscribe failed")
		return
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		cancel()
		return
	}
	t.subCancel = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		for e := range events {
			t.apply(gen, e)
		}
	}()
}

// Close stops tracking and waits for background goroutines to exit.
func (t *Tracker) Close() {
	t.mu.Lock()
	dropped := t.teardownLocked()
	t.mu.Unlock()
	t.flagDropped(dropped)
	t.wg.Wait()
}

// teardownLocked reports whether the processing flag was cleared.
func (t *Tracker) teardownLocked() bool {
	t.gen++
	t.open = false
	t.conversationID = 0
	t.outstanding = make(map[uint64]struct{})
	t.seen.Purge()
	t.patched = make(map[uint64]struct{})
	t.lastErr = ""
	if t.debounce != nil {
		t.debounce.Stop()
		t.debounce = nil
	}
	t.stopPollingLocked()
	if t.subCancel != nil {
		t.subCancel()
		t.subCancel = nil
	}
	dropped := t.processing
	t.processing = false
	return dropped
}

func (t *Tracker) flagDropped(dropped bool) {
	if dropped && t.opts.OnProcessingChange != nil {
		t.opts.OnProcessingChange(false)
	}
}

// HandleEvent applies one change event to the current conversation.
func (t *Tracker) HandleEvent(e realtime.Event) {
	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()
	t.apply(gen, e)
}

func dedupKey(e realtime.Event) uint64 {
	k := strconv.FormatUint(e.Record.ID, 10) + ":" + string(e.Record.Status) + ":" + string(e.Type)
	return xxhash.Sum64String(k)
}

func (t *Tracker) apply(gen uint64, e realtime.Event) {
	t.mu.Lock()
	if t.gen != gen || !t.open || e.ConversationID() != t.conversationID {
		t.mu.Unlock()
		return
	}
	if seen, _ := t.seen.ContainsOrAdd(dedupKey(e), struct{}{}); seen {
		t.mu.Unlock()
		return
	}

	id := e.Record.ID
	_, tracked := t.outstanding[id]
	changed := false
	if e.Record.Status.Terminal() || e.Type == tasks.ChangeDelete {
		if tracked {
			delete(t.outstanding, id)
			changed = true
		}
	} else if !tracked {
		t.outstanding[id] = struct{}{}
		changed = true
	}

	failed := e.Record.Status == tasks.StatusFailed
	if failed {
		t.lastErr = failureReason(&e.Record)
		// realtime and polling both report the failure; patch once
		if _, done := t.patched[id]; done {
			failed = false
		} else {
			t.patched[id] = struct{}{}
		}
	}
	if changed {
		t.scheduleRecomputeLocked()
		t.syncPollingLocked()
	}
	t.mu.Unlock()

	if failed {
		t.patchFailure(id)
	}
}

func failureReason(task *tasks.Task) string {
	if msg := tasks.DisplayStatus(task); msg != "" {
		return msg
	}
	return string(task.Status)
}

func (t *Tracker) patchFailure(taskID uint64) {
	if t.opts.Patcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.opts.Patcher.SetTaskMessage(ctx, taskID, t.opts.FailureNotice); err != nil {
		t.logger.WithField("task_id", taskID).WithError(err).Warn("patch failed task message")
	}
}

// scheduleRecomputeLocked restarts the debounce window.
func (t *Tracker) scheduleRecomputeLocked() {
	if t.debounce != nil {
		t.debounce.Stop()
	}
	gen := t.gen
	t.debounce = time.AfterFunc(t.opts.Debounce, func() { t.recompute(gen) })
}

func (t *Tracker) recompute(gen uint64) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.debounce = nil
	next := len(t.outstanding) > 0
	if next == t.processing {
		t.mu.Unlock()
		return
	}
	t.processing = next
	cb := t.opts.OnProcessingChange
	t.mu.Unlock()

	if cb != nil {
		cb(next)
	}
}

// syncPollingLocked runs the poller exactly while tasks are outstanding.
func (t *Tracker) syncPollingLocked() {
	if len(t.outstanding) == 0 {
		t.stopPollingLocked()
		return
	}
	if t.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.pollCancel = cancel
	gen := t.gen
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.poll(ctx, gen)
	}()
}

func (t *Tracker) stopPollingLocked() {
	if t.pollCancel != nil {
		t.pollCancel()
		t.pollCancel = nil
	}
}

func (t *Tracker) poll(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids := t.Outstanding()
		if len(ids) == 0 {
			continue
		}
		settled, err := t.opts.Source.ListSettled(ctx, ids)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.WithError(err).Debug("poll settled tasks")
			}
			continue
		}
		for i := range settled {
			t.apply(gen, realtime.NewEvent(ChangePoll, &settled[i]))
		}
	}
}

// SendMessage posts text to the open conversation. A task id in the
// response is tracked immediately.
func (t *Tracker) SendMessage(ctx context.Context, text string) (SendResult, error) {
	if t.opts.Sender == nil {
		return SendResult{}, errors.New("tracker: no message sender configured")
	}
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return SendResult{}, ErrNotOpen
	}
	convID := t.conversationID
	gen := t.gen
	t.mu.Unlock()

	res, err := t.opts.Sender.SendMessage(ctx, convID, text)
	if err != nil {
		return res, err
	}
	if res.TaskID == 0 {
		return res, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		return res, nil
	}
	if _, ok := t.outstanding[res.TaskID]; !ok {
		t.outstanding[res.TaskID] = struct{}{}
		t.scheduleRecomputeLocked()
		t.syncPollingLocked()
	}
	return res, nil
}

func (t *Tracker) Processing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processing
}

func (t *Tracker) Polling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pollCancel != nil
}

func (t *Tracker) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Outstanding returns the tracked task ids in no particular order.
func (t *Tracker) Outstanding() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint64, 0, len(t.outstanding))
	for id := range t.outstanding {
		ids = append(ids, id)
	}
	return ids
}
