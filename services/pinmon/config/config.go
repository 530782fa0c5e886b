package config

// Config is supplied on the "config/pinmon" bus topic.
type Config struct {
	Watch []WatchPin `json:"watch,omitempty"`
	Drive []DrivePin `json:"drive,omitempty"`
}

// WatchPin describes one input pin to monitor for edges.
type WatchPin struct {
	Pin        int    `json:"pin"`
	Edge       string `json:"edge,omitempty"` // "rising", "falling", "both" (default)
	Pull       string `json:"pull,omitempty"` // "up", "down", "off" (default)
	DebounceMS int    `json:"debounce_ms,omitempty"`
	Invert     bool   `json:"invert,omitempty"`
}

// DrivePin describes one output pin managed by the service.
type DrivePin struct {
	Pin     int   `json:"pin"`
	Initial *bool `json:"initial,omitempty"` // nil means leave low
	Invert  bool  `json:"invert,omitempty"`
}
