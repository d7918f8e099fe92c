package dispatch

import (
	"context"
	"fmt"

	"github.com/suPer8Hu/ghostwriter/internal/tasks"
)

// Mux routes a dispatch by the workflow's transport.
type Mux struct {
	byTransport map[string]tasks.Dispatcher
}

func NewMux() *Mux {
	return &Mux{byTransport: make(map[string]tasks.Dispatcher)}
}

func (m *Mux) Handle(transport string, d tasks.Dispatcher) {
	m.byTransport[transport] = d
}

func (m *Mux) Dispatch(ctx context.Context, wf tasks.Workflow, p tasks.DispatchPayload) error {
	d, ok := m.byTransport[wf.Transport]
	if !ok {
		return fmt.Errorf("no dispatcher for transport %q", wf.Transport)
	}
	return d.Dispatch(ctx, wf, p)
}
