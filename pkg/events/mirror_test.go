package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/cdpmux/pkg/cdp"
	"github.com/odvcencio/cdpmux/pkg/observability"
)

func discardLogger() *observability.Logger {
	return &observability.Logger{Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

func TestMirror_ForwardsEventsByDomain(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	bus := NewMemoryBus()
	defer bus.Close()

	received := make(chan *Message, 8)
	_, err := bus.Subscribe(context.Background(), "cdpmux.events.>", func(msg *Message) []byte {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	mirror := NewMirror(bus, "", discardLogger())
	mirror.Start(context.Background(), hub)
	defer mirror.Stop()

	hub.Publish(cdp.Event{Method: "Page.loadEventFired", Params: []byte(`{"timestamp":7}`)})
	hub.Publish(cdp.Event{Method: "Runtime.consoleAPICalled", Params: []byte(`{"type":"log"}`)})

	subjects := map[string]cdp.Event{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			var ev cdp.Event
			require.NoError(t, json.Unmarshal(msg.Data, &ev))
			subjects[msg.Subject] = ev
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for mirrored event")
		}
	}

	require.Contains(t, subjects, "cdpmux.events.Page")
	require.Contains(t, subjects, "cdpmux.events.Runtime")
	assert.Equal(t, "Page.loadEventFired", subjects["cdpmux.events.Page"].Method)
	assert.JSONEq(t, `{"type":"log"}`, string(subjects["cdpmux.events.Runtime"].Params))
}

func TestMirror_CustomPrefix(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	bus := NewMemoryBus()
	defer bus.Close()

	received := make(chan *Message, 1)
	_, err := bus.Subscribe(context.Background(), "debug.stream.*", func(msg *Message) []byte {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	mirror := NewMirror(bus, "debug.stream", discardLogger())
	mirror.Start(context.Background(), hub)
	defer mirror.Stop()

	hub.Publish(cdp.Event{Method: "Network.requestWillBeSent"})

	select {
	case msg := <-received:
		assert.Equal(t, "debug.stream.Network", msg.Subject)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for mirrored event")
	}
}

func TestMirror_StopHaltsForwarding(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	bus := NewMemoryBus()
	defer bus.Close()

	received := make(chan *Message, 8)
	_, err := bus.Subscribe(context.Background(), "cdpmux.events.>", func(msg *Message) []byte {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	mirror := NewMirror(bus, "", discardLogger())
	mirror.Start(context.Background(), hub)

	hub.Publish(cdp.Event{Method: "Page.loadEventFired"})
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for mirrored event")
	}

	mirror.Stop()

	hub.Publish(cdp.Event{Method: "Page.frameNavigated"})
	select {
	case msg := <-received:
		t.Fatalf("unexpected message after stop: %s", msg.Subject)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMirror_StartIdempotent(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	bus := NewMemoryBus()
	defer bus.Close()

	mirror := NewMirror(bus, "", discardLogger())
	assert.NotPanics(t, func() {
		mirror.Start(context.Background(), hub)
		mirror.Start(context.Background(), hub)
		mirror.Stop()
		mirror.Stop()
	})
}
