package config_test

import (
	"testing"

	"github.com/selenehq/selene/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Channels: []config.ChannelConfig{
			{ID: "deep-work", RouteOverride: config.OverrideNameThinking},
			{ID: "quick-chat", RouteOverride: config.OverrideNameFast, VerbatimCount: 10},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	old := baseConfig()
	new := baseConfig()

	d := config.Diff(old, new)
	if d.LogLevelChanged {
		t.Error("LogLevelChanged = true, want false")
	}
	if d.ChannelsChanged {
		t.Errorf("ChannelsChanged = true, want false (changes: %+v)", d.ChannelChanges)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged = false, want true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
}

func TestDiff_ChannelOverrideChanged(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Channels[0].RouteOverride = ""

	d := config.Diff(old, new)
	if !d.ChannelsChanged {
		t.Fatal("ChannelsChanged = false, want true")
	}
	if len(d.ChannelChanges) != 1 {
		t.Fatalf("changes = %d, want 1", len(d.ChannelChanges))
	}
	cd := d.ChannelChanges[0]
	if cd.ID != "deep-work" || !cd.RouteOverrideChanged {
		t.Errorf("unexpected change: %+v", cd)
	}
}

func TestDiff_ChannelAddedAndRemoved(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Channels = append(new.Channels[:1], config.ChannelConfig{ID: "lounge"})

	d := config.Diff(old, new)
	if !d.ChannelsChanged {
		t.Fatal("ChannelsChanged = false, want true")
	}

	var added, removed bool
	for _, cd := range d.ChannelChanges {
		switch {
		case cd.ID == "lounge" && cd.Added:
			added = true
		case cd.ID == "quick-chat" && cd.Removed:
			removed = true
		}
	}
	if !added {
		t.Error("expected lounge to be reported as added")
	}
	if !removed {
		t.Error("expected quick-chat to be reported as removed")
	}
}

func TestDiff_VerbatimCountChanged(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Channels[1].VerbatimCount = 5

	d := config.Diff(old, new)
	if len(d.ChannelChanges) != 1 {
		t.Fatalf("changes = %d, want 1", len(d.ChannelChanges))
	}
	if !d.ChannelChanges[0].VerbatimCountChanged {
		t.Error("VerbatimCountChanged = false, want true")
	}
}
