// bridge/bridge_test.go
package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gpiohost/bus"
)

func TestBridge_EstablishesLinkAndReportsState(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("bridge_test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn, zerolog.Nop())

	stateSub := conn.Subscribe(bus.Topic{"bridge", "state"})
	defer conn.Unsubscribe(stateSub)

	first := nextStatePayload(t, stateSub, 500*time.Millisecond)
	assertLevelStatus(t, first, "idle", "awaiting_config")

	// Inject a dialler returning a net.Pipe; keep the remote end to
	// simulate link loss.
	prevDial := TCPDial
	defer func() { TCPDial = prevDial }()
	var remote io.ReadWriteCloser
	TCPDial = func(ctx context.Context, _ TCPConfig) (io.ReadWriteCloser, error) {
		lc, rc := net.Pipe()
		remote = rc
		go remotePeer(rc, nil)
		return lc, nil
	}

	cfg := `{"transport":{"type":"tcp","tcp":{"addr":"127.0.0.1:1"}}}`
	conn.Publish(conn.NewMessage(bus.Topic{"config", "bridge"}, cfg, false))

	up := nextStatePayload(t, stateSub, time.Second)
	assertLevelStatus(t, up, "up", "link_established")

	// Close the remote to force link loss; expect degraded state.
	if remote != nil {
		_ = remote.Close()
	}

	degraded := nextStatePayload(t, stateSub, time.Second)
	assertLevelStatus(t, degraded, "degraded", "link_lost_retrying")
}

func TestBridge_UnknownTransportYieldsErrorState(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("bridge_test_bad")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn, zerolog.Nop())

	stateSub := conn.Subscribe(bus.Topic{"bridge", "state"})
	defer conn.Unsubscribe(stateSub)

	_ = nextStatePayload(t, stateSub, 500*time.Millisecond) // initial awaiting_config

	cfg := `{"transport":{"type":"bogus"}}`
	conn.Publish(conn.NewMessage(bus.Topic{"config", "bridge"}, cfg, false))

	errState := nextStatePayload(t, stateSub, time.Second)
	assertLevelStatus(t, errState, "error", "transport_init_failed")
}

func TestBridge_ForwardsExportedAndImportsRemote(t *testing.T) {
	b := bus.NewBus(32)
	conn := b.NewConnection("bridge_fwd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Start(ctx, conn, zerolog.Nop())

	stateSub := conn.Subscribe(bus.Topic{"bridge", "state"})
	defer conn.Unsubscribe(stateSub)
	_ = nextStatePayload(t, stateSub, 500*time.Millisecond)

	prevDial := TCPDial
	defer func() { TCPDial = prevDial }()
	fromBridge := make(chan Frame, 16)
	var remote io.ReadWriteCloser
	TCPDial = func(ctx context.Context, _ TCPConfig) (io.ReadWriteCloser, error) {
		lc, rc := net.Pipe()
		remote = rc
		go remotePeer(rc, fromBridge)
		return lc, nil
	}

	cfg := map[string]any{
		"transport": map[string]any{"type": "tcp", "tcp": map[string]any{"addr": "127.0.0.1:1"}},
		"export":    []any{[]any{"pinmon", "#"}},
	}
	conn.Publish(conn.NewMessage(bus.Topic{"config", "bridge"}, cfg, false))
	up := nextStatePayload(t, stateSub, time.Second)
	assertLevelStatus(t, up, "up", "link_established")

	// Local publish matching the export pattern reaches the peer.
	conn.Publish(conn.NewMessage(bus.Topic{"pinmon", "pin", 17, "event"},
		map[string]any{"edge": "rising"}, false))

	var pf pubFrame
	deadline := time.Now().Add(time.Second)
	got := false
	for time.Now().Before(deadline) && !got {
		select {
		case f := <-fromBridge:
			if f.Type != framePub {
				continue
			}
			if err := json.Unmarshal(f.Payload, &pf); err != nil {
				t.Fatalf("bad pub frame: %v", err)
			}
			got = true
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !got {
		t.Fatal("peer did not receive exported publish")
	}
	if len(pf.Topic) != 4 || pf.Topic[0] != "pinmon" {
		t.Fatalf("unexpected forwarded topic: %#v", pf.Topic)
	}

	// A publish from the peer appears locally under the import prefix.
	impSub := conn.Subscribe(bus.Topic{"remote", "pinmon", "pin", 3, "event"})
	defer conn.Unsubscribe(impSub)

	payload, _ := json.Marshal(pubFrame{
		Topic:   []any{"pinmon", "pin", 3, "event"},
		Payload: map[string]any{"edge": "falling"},
	})
	if err := newFramedWriter(remote).WriteFrame(Frame{Type: framePub, Payload: payload}); err != nil {
		t.Fatalf("write to bridge: %v", err)
	}

	select {
	case m := <-impSub.Channel():
		p, _ := m.Payload.(map[string]any)
		if p == nil || p["edge"] != "falling" {
			t.Fatalf("unexpected imported payload: %#v", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("imported publish did not arrive")
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// remotePeer services the bridge framing: it replies PONG to PING, drains
// payloads, and hands every received frame to sink when one is given. It
// exits on read/write error.
func remotePeer(c io.ReadWriteCloser, sink chan<- Frame) {
	defer c.Close()
	rd := newFramedReader(c)
	wr := newFramedWriter(c)
	for {
		f, err := rd.ReadFrame()
		if err != nil {
			return
		}
		if sink != nil {
			select {
			case sink <- f:
			default:
			}
		}
		if f.Type == framePing {
			if err := wr.WriteFrame(Frame{Type: framePong}); err != nil {
				return
			}
		}
	}
}

func nextStatePayload(t *testing.T, sub *bus.Subscription, d time.Duration) map[string]any {
	t.Helper()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case m := <-sub.Channel():
		p, ok := m.Payload.(map[string]any)
		if !ok {
			t.Fatalf("state payload type: got %T, want map[string]any", m.Payload)
		}
		return p
	case <-timer.C:
		t.Fatalf("timeout waiting for bridge/state")
		return nil
	}
}

func assertLevelStatus(t *testing.T, payload map[string]any, wantLevel, wantStatus string) {
	t.Helper()
	gotLevel, _ := payload["level"].(string)
	gotStatus, _ := payload["status"].(string)
	if gotLevel != wantLevel || gotStatus != wantStatus {
		t.Fatalf("unexpected state: level=%q status=%q, want level=%q status=%q (payload=%v)",
			gotLevel, gotStatus, wantLevel, wantStatus, payload)
	}
}
