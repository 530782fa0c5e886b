package config

// -----------------------------------------------------------------------------
// Embedded configuration profiles
//
// Used when no config file path is given. Key: profile name (placed in
// ctx under CtxProfileKey). Val: raw JSON bytes for that profile.
// -----------------------------------------------------------------------------

const cfgSim = `{
  "pinmon": {
      "watch": [
          {"pin": 17, "pull": "up", "debounce_ms": 20}
      ],
      "drive": [
          {"pin": 22, "initial": true}
      ]
  },
  "heartbeat": {
      "interval_ms": 2000
  }
}`

var embeddedConfigs = map[string][]byte{
	"sim": []byte(cfgSim),
}
