package events

// SystemToggled is sent before the system enable flag changes, so subscribers
// see the transition while the old state still holds.
type SystemToggled struct {
	Old, New bool
}

func (SystemToggled) Kind() string { return "system_toggled" }

// ConfigReloaded is sent after settings were fetched and swapped in.
type ConfigReloaded struct {
	Source string
}

func (ConfigReloaded) Kind() string { return "config_reloaded" }

// ConfigReset is sent after settings were restored to their defaults.
type ConfigReset struct {
	Source string
}

func (ConfigReset) Kind() string { return "config_reset" }
