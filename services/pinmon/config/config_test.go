package config

import (
	"encoding/json"
	"testing"
)

func TestConfigDecode(t *testing.T) {
	src := `{
		"watch": [{"pin": 17, "edge": "falling", "pull": "up", "debounce_ms": 5, "invert": true}],
		"drive": [{"pin": 22, "initial": true}]
	}`
	var got Config
	if err := json.Unmarshal([]byte(src), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Watch) != 1 || len(got.Drive) != 1 {
		t.Fatalf("unexpected shape: %+v", got)
	}
	w := got.Watch[0]
	if w.Pin != 17 || w.Edge != "falling" || w.Pull != "up" || w.DebounceMS != 5 || !w.Invert {
		t.Fatalf("watch mismatch: %+v", w)
	}
	d := got.Drive[0]
	if d.Pin != 22 || d.Initial == nil || !*d.Initial {
		t.Fatalf("drive mismatch: %+v", d)
	}
}

func TestConfigOmittedFieldsDefaultEmpty(t *testing.T) {
	var got Config
	if err := json.Unmarshal([]byte(`{"watch": [{"pin": 4}]}`), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	w := got.Watch[0]
	if w.Edge != "" || w.Pull != "" || w.DebounceMS != 0 || w.Invert {
		t.Fatalf("expected zero defaults: %+v", w)
	}
	if got.Drive != nil {
		t.Fatalf("expected no drive entries: %+v", got.Drive)
	}
}
