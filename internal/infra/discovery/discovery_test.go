package discovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/infra/network"
)

type testDevice struct {
	fabric *network.Fabric
	disc   *Discoverer
}

func newTestDevice(t *testing.T, lan *network.MemLAN, ip string, devices int) *testDevice {
	t.Helper()
	fcfg := network.DefaultFabricConfig(domain.DeviceAddress(ip))
	fcfg.ReceiveTimeout = 20 * time.Millisecond
	f := network.NewFabric(fcfg, lan.Host(ip))
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s): %v", ip, err)
	}
	t.Cleanup(f.Stop)

	rel := network.NewReliable(f, f.Channel(network.RoleAck),
		network.ReliableConfig{AckWindow: 100 * time.Millisecond, MaxRetries: 3}, nil)

	cfg := DefaultConfig()
	cfg.Devices = devices
	cfg.PollInterval = 20 * time.Millisecond
	cfg.Timeout = 5 * time.Second
	cfg.Router = "10.0.0.254"
	return &testDevice{fabric: f, disc: New(f, rel, cfg, nil)}
}

// ─── Discovery Tests ────────────────────────────────────────────────────────

func TestDiscover_ThreeDevicesConverge(t *testing.T) {
	lan := network.NewMemLAN()
	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var devices []*testDevice
	for _, ip := range ips {
		d := newTestDevice(t, lan, ip, len(ips))
		devices = append(devices, d)
		go d.disc.Serve(ctx)
	}

	rosters := make([]domain.Roster, len(devices))
	errs := make([]error, len(devices))
	var wg sync.WaitGroup
	for i, d := range devices {
		wg.Add(1)
		go func(i int, d *testDevice) {
			defer wg.Done()
			rosters[i], errs[i] = d.disc.Discover(ctx)
		}(i, d)
	}
	wg.Wait()

	for i, ip := range ips {
		if errs[i] != nil {
			t.Fatalf("%s: Discover error: %v", ip, errs[i])
		}
		var want domain.Roster
		for _, other := range ips {
			if other != ip {
				want = append(want, domain.DeviceAddress(other))
			}
		}
		if !slices.Equal(rosters[i], want) {
			t.Errorf("%s: roster = %v, want %v", ip, rosters[i], want)
		}
		if rosters[i].Contains(domain.DeviceAddress(ip)) {
			t.Errorf("%s: roster contains self", ip)
		}
	}
}

func TestDiscover_LossyLAN(t *testing.T) {
	lan := network.NewMemLAN()
	lan.SetLoss(0.2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestDevice(t, lan, "10.0.0.1", 2)
	b := newTestDevice(t, lan, "10.0.0.2", 2)
	go a.disc.Serve(ctx)
	go b.disc.Serve(ctx)

	var wg sync.WaitGroup
	var ra, rb domain.Roster
	var ea, eb error
	wg.Add(2)
	go func() { defer wg.Done(); ra, ea = a.disc.Discover(ctx) }()
	go func() { defer wg.Done(); rb, eb = b.disc.Discover(ctx) }()
	wg.Wait()

	if ea != nil || eb != nil {
		t.Fatalf("Discover errors: %v, %v", ea, eb)
	}
	if !slices.Equal(ra, domain.Roster{"10.0.0.2"}) || !slices.Equal(rb, domain.Roster{"10.0.0.1"}) {
		t.Errorf("rosters = %v, %v", ra, rb)
	}
}

func TestDiscover_SingleDevice(t *testing.T) {
	lan := network.NewMemLAN()
	d := newTestDevice(t, lan, "10.0.0.1", 1)

	roster, err := d.disc.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	if len(roster) != 0 {
		t.Errorf("roster = %v, want empty", roster)
	}
}

func TestDiscover_Timeout(t *testing.T) {
	lan := network.NewMemLAN()
	d := newTestDevice(t, lan, "10.0.0.1", 3)
	d.disc.config.Timeout = 100 * time.Millisecond

	_, err := d.disc.Discover(context.Background())
	if !errors.Is(err, domain.ErrStageTimedOut) {
		t.Errorf("Discover() = %v, want ErrStageTimedOut", err)
	}
}

func TestDiscover_Cancelled(t *testing.T) {
	lan := network.NewMemLAN()
	d := newTestDevice(t, lan, "10.0.0.1", 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.disc.Discover(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Discover() = %v, want context.Canceled", err)
	}
}

func TestDiscover_IgnoresInvalidSources(t *testing.T) {
	lan := network.NewMemLAN()
	d := newTestDevice(t, lan, "10.0.0.1", 3)
	ch := d.fabric.Channel(network.RoleDiscovery)

	for _, src := range []domain.DeviceAddress{"10.0.0.1", "10.0.0.254", "239.255.255.250", "not-an-ip"} {
		ch.Append(src, "BUDDY")
	}
	ch.Append("10.0.0.2", "BUDDY")
	ch.Append("10.0.0.2", "BUDDY")
	ch.Append("10.0.0.3", "BUDDY")

	roster, err := d.disc.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	if !slices.Equal(roster, domain.Roster{"10.0.0.2", "10.0.0.3"}) {
		t.Errorf("roster = %v", roster)
	}
}

func TestValidPeer(t *testing.T) {
	lan := network.NewMemLAN()
	d := newTestDevice(t, lan, "10.0.0.1", 2)

	tests := []struct {
		addr domain.DeviceAddress
		want bool
	}{
		{"10.0.0.2", true},
		{"192.168.1.40", true},
		{"10.0.0.1", false},
		{"10.0.0.254", false},
		{"239.255.255.250", false},
		{"224.0.0.1", false},
		{"", false},
		{"::1", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.addr), func(t *testing.T) {
			if got := d.disc.validPeer(tt.addr); got != tt.want {
				t.Errorf("validPeer(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}
