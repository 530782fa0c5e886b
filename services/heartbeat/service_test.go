package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gpiohost/bus"
)

func TestHeartbeat_PublishesStateAtConfiguredInterval(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("hb_test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := New(zerolog.Nop())
	if err := svc.Start(ctx, conn); err != nil {
		t.Fatal(err)
	}

	sub := conn.Subscribe(topicState)
	defer conn.Unsubscribe(sub)

	// Speed the beat up via config.
	conn.Publish(conn.NewMessage(topicConfig, map[string]any{"interval_ms": float64(100)}, false))

	var beats []uint64
	deadline := time.Now().Add(2 * time.Second)
	for len(beats) < 2 && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			p, ok := m.Payload.(map[string]any)
			if !ok {
				t.Fatalf("payload type %T", m.Payload)
			}
			n, ok := p["beats"].(uint64)
			if !ok {
				t.Fatalf("beats type %T", p["beats"])
			}
			beats = append(beats, n)
		case <-time.After(20 * time.Millisecond):
		}
	}
	if len(beats) < 2 {
		t.Fatalf("expected at least 2 beats, got %v", beats)
	}
	if beats[1] <= beats[0] {
		t.Fatalf("beat counter not increasing: %v", beats)
	}
}
