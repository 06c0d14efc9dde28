package common

import (
	"testing"
)

func TestQueuedSecondsEnvOverride(t *testing.T) {
	t.Setenv("JOB_QUEUED_SECONDS", "45")

	config, err := LoadFromFiles()
	if err != nil {
		t.Fatal(err)
	}
	if config.Watchdog.QueuedSeconds != 45 {
		t.Errorf("Expected queued threshold 45s, got %d", config.Watchdog.QueuedSeconds)
	}
}

func TestDeprecatedQueuedMinutesConverts(t *testing.T) {
	t.Setenv("JOB_QUEUED_MINUTES", "2")

	config, err := LoadFromFiles()
	if err != nil {
		t.Fatal(err)
	}
	if config.Watchdog.QueuedSeconds != 120 {
		t.Errorf("Expected deprecated minutes knob converted to 120s, got %d", config.Watchdog.QueuedSeconds)
	}
}

func TestQueuedSecondsWinsOverDeprecatedMinutes(t *testing.T) {
	t.Setenv("JOB_QUEUED_SECONDS", "30")
	t.Setenv("JOB_QUEUED_MINUTES", "5")

	config, err := LoadFromFiles()
	if err != nil {
		t.Fatal(err)
	}
	if config.Watchdog.QueuedSeconds != 30 {
		t.Errorf("Expected seconds knob to win, got %d", config.Watchdog.QueuedSeconds)
	}
}
