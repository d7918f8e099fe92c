package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/ghostwriter/internal/config"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&Task{}))
	return db
}

func testRegistry() *Registry {
	return NewRegistry(map[string]config.Workflow{
		"chat": {WorkflowID: "wf-chat", WebhookURL: "http://engine.test/webhook/chat", TimeoutSeconds: 60},
	})
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []DispatchPayload
	err     error
	release chan struct{}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, wf Workflow, p DispatchPayload) error {
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	d.calls = append(d.calls, p)
	d.mu.Unlock()
	return d.err
}

func (d *fakeDispatcher) Calls() []DispatchPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DispatchPayload(nil), d.calls...)
}

type change struct {
	Type   ChangeType
	TaskID uint64
	Status Status
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []change
	err     error
}

func (n *recordingNotifier) TaskChanged(ctx context.Context, c ChangeType, t *Task) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change{Type: c, TaskID: t.ID, Status: t.Status})
	return n.err
}

func (n *recordingNotifier) Changes() []change {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]change(nil), n.changes...)
}

var errBoom = errors.New("dial tcp: connection refused")
