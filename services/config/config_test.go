// config/config_test.go
package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gpiohost/bus"
)

func collectConfigKeys(t *testing.T, sub *bus.Subscription, want int) map[string]any {
	t.Helper()
	got := map[string]any{}
	deadline := time.Now().Add(600 * time.Millisecond)
	for len(got) < want && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			if len(m.Topic) < 2 {
				t.Fatalf("unexpected topic length: %#v", m.Topic)
			}
			key, ok := m.Topic[1].(string)
			if !ok {
				t.Fatalf("topic[1] type %T, want string", m.Topic[1])
			}
			got[key] = m.Payload
		case <-time.After(10 * time.Millisecond):
		}
	}
	return got
}

func TestConfig_PublishEmbedded_RetainedPerKey(t *testing.T) {
	oldLookup := EmbeddedConfigLookup
	EmbeddedConfigLookup = func(profile string) ([]byte, bool) {
		if profile != "sim" {
			return nil, false
		}
		return []byte(`{
			"mode": "dev",
			"debug": true,
			"pinmon": {"watch": [{"pin": 4}]}
		}`), true
	}
	t.Cleanup(func() { EmbeddedConfigLookup = oldLookup })

	b := bus.NewBus(16)
	conn := b.NewConnection("test-config")
	svc := NewService("")

	ctx := context.WithValue(context.Background(), CtxProfileKey, "sim")
	svc.Start(ctx, conn)

	// Retained messages should arrive on subscribe.
	sub := conn.Subscribe(bus.Topic{configPrefix, bus.Plus})
	defer conn.Unsubscribe(sub)

	got := collectConfigKeys(t, sub, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 retained messages, got %d (%v)", len(got), got)
	}
	if s, ok := got["mode"].(string); !ok || s != "dev" {
		t.Fatalf("mode payload = %#v, want \"dev\"", got["mode"])
	}
	if bval, ok := got["debug"].(bool); !ok || !bval {
		t.Fatalf("debug payload = %#v, want true", got["debug"])
	}
	pm, ok := got["pinmon"].(map[string]any)
	if !ok {
		t.Fatalf("pinmon payload type = %T, want map[string]any", got["pinmon"])
	}
	if _, ok := pm["watch"]; !ok {
		t.Fatalf("pinmon payload missing watch: %#v", pm)
	}
}

func TestConfig_PublishFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpiohost.json")
	if err := os.WriteFile(path, []byte(`{"heartbeat": {"interval_ms": 500}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	b := bus.NewBus(16)
	conn := b.NewConnection("test-config-file")
	svc := NewService(path)

	if err := svc.publishConfig(context.Background(), conn); err != nil {
		t.Fatalf("publishConfig: %v", err)
	}

	sub := conn.Subscribe(bus.Topic{configPrefix, "heartbeat"})
	defer conn.Unsubscribe(sub)

	select {
	case m := <-sub.Channel():
		hb, ok := m.Payload.(map[string]any)
		if !ok {
			t.Fatalf("payload type %T", m.Payload)
		}
		if iv, _ := hb["interval_ms"].(float64); iv != 500 {
			t.Fatalf("interval_ms = %v, want 500", hb["interval_ms"])
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("no retained heartbeat config")
	}
}

func TestConfig_MissingProfile(t *testing.T) {
	b := bus.NewBus(4)
	conn := b.NewConnection("test-missing-profile")
	svc := NewService("")

	if err := svc.publishConfig(context.Background(), conn); err == nil {
		t.Fatal("expected error for missing profile, got nil")
	}
}

func TestConfig_UnknownProfile(t *testing.T) {
	oldLookup := EmbeddedConfigLookup
	EmbeddedConfigLookup = func(profile string) ([]byte, bool) { return nil, false }
	t.Cleanup(func() { EmbeddedConfigLookup = oldLookup })

	b := bus.NewBus(4)
	conn := b.NewConnection("test-no-config")
	svc := NewService("")

	ctx := context.WithValue(context.Background(), CtxProfileKey, "unknown")
	if err := svc.publishConfig(ctx, conn); err == nil {
		t.Fatal("expected error for missing embedded config, got nil")
	}
}
