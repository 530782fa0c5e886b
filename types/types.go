package types

// Bus-facing payload shapes shared between the pinmon service and its
// clients. Everything here is JSON-serialisable.

// ---- Service state (retained) ----

type ServiceState struct {
	Level  string `json:"level"`  // e.g. "idle", "ready", "stopped"
	Status string `json:"status"` // freeform short code
	TS     int64  `json:"ts_ms"`
	Error  string `json:"error,omitempty"`
}

// Link is the health reported for a single managed pin.
type Link string

const (
	LinkUp       Link = "up"
	LinkDown     Link = "down"
	LinkDegraded Link = "degraded"
)

// ---- Pin events and state ----

// PinEvent is published (non-retained) for each observed edge.
type PinEvent struct {
	Pin   int    `json:"pin"`
	Edge  string `json:"edge"`  // "rising" or "falling"
	Level int    `json:"level"` // 0/1 after inversion applied
	TS    int64  `json:"ts_ms"`
}

// PinState is the retained per-pin state document.
type PinState struct {
	Pin   int    `json:"pin"`
	Mode  string `json:"mode"` // "watch" or "drive"
	Link  Link   `json:"link"`
	Level int    `json:"level"`
	TS    int64  `json:"ts_ms"`
	Error string `json:"error,omitempty"`
}

// ---- Control replies ----

// OKReply acknowledges a control request. Level is set by verbs that
// report a pin level, Timeout by polls that lapsed without an edge.
type OKReply struct {
	OK      bool `json:"ok"`
	Level   *int `json:"level,omitempty"`
	Timeout bool `json:"timeout,omitempty"`
}

type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}
