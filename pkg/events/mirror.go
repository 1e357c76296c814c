package events

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/odvcencio/cdpmux/pkg/cdp"
	"github.com/odvcencio/cdpmux/pkg/observability"
)

// DefaultMirrorPrefix is the subject prefix events are mirrored under.
// The event's domain is appended, e.g. "cdpmux.events.Page".
const DefaultMirrorPrefix = "cdpmux.events"

// Mirror republishes hub events onto a message bus so observers outside
// this process can follow endpoint activity without holding a debugger
// connection.
type Mirror struct {
	bus     MessageBus
	prefix  string
	log     *observability.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
}

// NewMirror creates a mirror publishing to the given bus. An empty prefix
// falls back to DefaultMirrorPrefix.
func NewMirror(bus MessageBus, prefix string, log *observability.Logger) *Mirror {
	if prefix == "" {
		prefix = DefaultMirrorPrefix
	}
	return &Mirror{bus: bus, prefix: prefix, log: log}
}

// Start subscribes to the hub and begins forwarding. It returns immediately;
// forwarding runs until Stop is called, ctx is cancelled, or the hub closes.
func (m *Mirror) Start(ctx context.Context, hub *Hub) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	ch, unsubscribe := hub.Subscribe(nil)
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, ch, unsubscribe)
}

// Stop halts forwarding and waits for the pump goroutine to exit.
func (m *Mirror) Stop() {
	if !m.started.Load() || m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Mirror) run(ctx context.Context, ch <-chan cdp.Event, unsubscribe func()) {
	defer close(m.done)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			subject := m.prefix + "." + ev.Domain()
			if err := m.bus.Publish(ctx, subject, payload); err != nil {
				m.log.Warn("mirror publish failed", "subject", subject, "error", err)
			}
		}
	}
}
