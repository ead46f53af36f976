package flags

import (
	"encoding/json"
	"maps"
)

// Settings is the runtime switchboard document.
//
//	{"system_enabled": true, "debug": false, "features": {"notify": true}}
type Settings struct {
	SystemEnabled bool            `json:"system_enabled"`
	Debug         bool            `json:"debug"`
	Features      map[string]bool `json:"features,omitempty"`
}

// Defaults is what Reset restores and what a Store starts with: enabled, no
// debug, no feature overrides.
func Defaults() Settings {
	return Settings{SystemEnabled: true}
}

func (s Settings) clone() Settings {
	s.Features = maps.Clone(s.Features)
	return s
}

// Decode parses a settings document. Missing fields take their Defaults value.
func Decode(b []byte) (Settings, error) {
	s := Defaults()
	if err := json.Unmarshal(b, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func Encode(s Settings) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
