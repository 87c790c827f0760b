package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wustus/vibes/internal/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.Node.Devices != 2 {
		t.Errorf("Node.Devices = %d, want 2", cfg.Node.Devices)
	}
	if cfg.Ports.Discovery != 1900 || cfg.Ports.Time != 123 {
		t.Errorf("Ports = %+v, want discovery 1900 and time 123", cfg.Ports)
	}
	if cfg.Node.MulticastGroup != "239.255.255.250" {
		t.Errorf("MulticastGroup = %q", cfg.Node.MulticastGroup)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"1.5s", 1500 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{"0", 0},
		{"", 7 * time.Second},
		{"soon", 7 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseDuration(tt.input, 7*time.Second); got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// ─── Load / Save ────────────────────────────────────────────────────────────

func TestLoadConfig_NoFileUsesDefaults(t *testing.T) {
	t.Setenv("VIBES_HOME", t.TempDir())
	t.Setenv("VIBES_DEVICES", "")
	t.Setenv("VIBES_INTERFACE", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Node.Devices != DefaultConfig().Node.Devices {
		t.Errorf("Devices = %d, want default", cfg.Node.Devices)
	}
}

func TestSaveThenLoad(t *testing.T) {
	home := t.TempDir()
	t.Setenv("VIBES_HOME", home)
	t.Setenv("VIBES_DEVICES", "")
	t.Setenv("VIBES_INTERFACE", "")

	cfg := DefaultConfig()
	cfg.Node.Devices = 5
	cfg.Node.Interface = "eth1"
	cfg.Election.MoveTimeout = "4s"
	cfg.Ports.Time = 1123
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "config.toml")); err != nil {
		t.Fatalf("config file missing: %v", err)
	}

	got, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.Node.Devices != 5 || got.Node.Interface != "eth1" {
		t.Errorf("Node = %+v", got.Node)
	}
	if got.Election.MoveTimeout != "4s" {
		t.Errorf("MoveTimeout = %q, want 4s", got.Election.MoveTimeout)
	}
	if got.Ports.Time != 1123 {
		t.Errorf("Ports.Time = %d, want 1123", got.Ports.Time)
	}
}

func TestLoadConfig_Malformed(t *testing.T) {
	home := t.TempDir()
	t.Setenv("VIBES_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte("[node\ndevices = "), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("VIBES_HOME", t.TempDir())
	t.Setenv("VIBES_DEVICES", "4")
	t.Setenv("VIBES_INTERFACE", "wlan0")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Node.Devices != 4 {
		t.Errorf("Devices = %d, want 4", cfg.Node.Devices)
	}
	if cfg.Node.Interface != "wlan0" {
		t.Errorf("Interface = %q, want wlan0", cfg.Node.Interface)
	}

	t.Setenv("VIBES_DEVICES", "many")
	if _, err := LoadConfig(); err == nil {
		t.Error("expected error for non-numeric VIBES_DEVICES")
	}
}

// ─── Conversions ────────────────────────────────────────────────────────────

func TestSessionConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Node.Devices = 3
	cfg.Node.Router = "192.168.1.1"
	cfg.Election.MaxDeclineRounds = 6
	cfg.Clock.Samples = 0
	cfg.Clock.ProbeTimeout = "bogus"

	sc := cfg.SessionConfig()
	if sc.Discovery.Devices != 3 {
		t.Errorf("Discovery.Devices = %d, want 3", sc.Discovery.Devices)
	}
	if sc.Discovery.Router != domain.DeviceAddress("192.168.1.1") {
		t.Errorf("Router = %q", sc.Discovery.Router)
	}
	if sc.Discovery.PollInterval != 300*time.Millisecond {
		t.Errorf("PollInterval = %v", sc.Discovery.PollInterval)
	}
	if sc.Election.MaxDeclineRounds != 6 {
		t.Errorf("MaxDeclineRounds = %d, want 6", sc.Election.MaxDeclineRounds)
	}
	if sc.Election.Timeout != 2*time.Minute {
		t.Errorf("Election.Timeout = %v", sc.Election.Timeout)
	}
	if sc.ClockClient.Samples != 10 {
		t.Errorf("Samples = %d, want default 10", sc.ClockClient.Samples)
	}
	if sc.ClockClient.ProbeTimeout != time.Second {
		t.Errorf("ProbeTimeout = %v, want fallback 1s", sc.ClockClient.ProbeTimeout)
	}
	if sc.ClockServer.LeadTime != 2*time.Second {
		t.Errorf("LeadTime = %v", sc.ClockServer.LeadTime)
	}
}

func TestReliableAndFabricConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reliable.AckWindow = "200ms"
	cfg.Ports.Ack = 2901

	rc := cfg.ReliableConfig()
	if rc.AckWindow != 200*time.Millisecond || rc.MaxRetries != 3 {
		t.Errorf("ReliableConfig = %+v", rc)
	}

	fc := cfg.FabricConfig("10.0.0.9")
	if fc.Self != "10.0.0.9" {
		t.Errorf("Self = %q", fc.Self)
	}
	if fc.Ports.Ack != 2901 {
		t.Errorf("Ports.Ack = %d, want 2901", fc.Ports.Ack)
	}
	if fc.MulticastGroup != "239.255.255.250" {
		t.Errorf("MulticastGroup = %q", fc.MulticastGroup)
	}
}
