package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (provider wiring, memory DSN, MCP servers) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ChannelsChanged bool          // true if any channel override changed
	ChannelChanges  []ChannelDiff // per-channel diffs
}

// ChannelDiff describes what changed for a single channel between two configs.
type ChannelDiff struct {
	ID                   string
	RouteOverrideChanged bool
	VerbatimCountChanged bool
	Added                bool
	Removed              bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldChannels := make(map[string]*ChannelConfig, len(old.Channels))
	for i := range old.Channels {
		oldChannels[old.Channels[i].ID] = &old.Channels[i]
	}
	newChannels := make(map[string]*ChannelConfig, len(new.Channels))
	for i := range new.Channels {
		newChannels[new.Channels[i].ID] = &new.Channels[i]
	}

	for id, oldCh := range oldChannels {
		newCh, ok := newChannels[id]
		if !ok {
			d.ChannelChanges = append(d.ChannelChanges, ChannelDiff{ID: id, Removed: true})
			continue
		}
		cd := ChannelDiff{ID: id}
		if oldCh.RouteOverride != newCh.RouteOverride {
			cd.RouteOverrideChanged = true
		}
		if oldCh.VerbatimCount != newCh.VerbatimCount {
			cd.VerbatimCountChanged = true
		}
		if cd.RouteOverrideChanged || cd.VerbatimCountChanged {
			d.ChannelChanges = append(d.ChannelChanges, cd)
		}
	}
	for id := range newChannels {
		if _, ok := oldChannels[id]; !ok {
			d.ChannelChanges = append(d.ChannelChanges, ChannelDiff{ID: id, Added: true})
		}
	}

	d.ChannelsChanged = len(d.ChannelChanges) > 0
	return d
}
