// Package discovery implements the L4 Local Discovery of spec.md §4.14:
// announcing this device on the LAN via multicast-DNS and browsing for
// peers with a bounded scan timeout, filtered to exclude the local device
// id. Grounded on the pack's backkem-matter device-commissioning repo,
// which uses grandcat/zeroconf directly for the same announce/browse shape
// over a fixed LAN service type.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/heimdallr-mesh/fabric/pkg/clock"
	"github.com/heimdallr-mesh/fabric/pkg/log"
)

// ServiceType is the multicast-DNS service type reserved for this product
// (spec.md §6 "Discovery").
const ServiceType = "_meshfabric._tcp"

const domain = "local."

// DefaultBrowseTimeout bounds a single Browse call when Config.BrowseTimeout
// is zero (spec.md §4.14).
const DefaultBrowseTimeout = 5 * time.Second

// DiscoveredDevice is one peer found on the LAN (spec.md §3).
type DiscoveredDevice struct {
	DeviceID  string
	IPAddress string
	Port      int
	Hostname  string
}

// Config tunes a Discovery instance.
type Config struct {
	// LocalDeviceID is announced in the TXT record and filtered out of
	// every Browse result (spec.md §4.14 "filtered to remove the local
	// device id").
	LocalDeviceID string
	Port          int
	BrowseTimeout time.Duration
	// Interval is the fixed period between scans when RunContinuous is used
	// (spec.md §4.14 "Continuous discovery is opt-in with a fixed interval").
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BrowseTimeout <= 0 {
		c.BrowseTimeout = DefaultBrowseTimeout
	}
	return c
}

// browseFunc performs one LAN scan, streaming results onto entries. The
// production path wraps zeroconf.Resolver.Browse; tests substitute a stub
// that feeds simulated peers without touching the network (spec.md §9
// "Dynamic dispatch across transport... captured as interface abstractions
// with a test stub variant").
type browseFunc func(ctx context.Context, service, domain string, entries chan *zeroconf.ServiceEntry) error

func defaultBrowse(ctx context.Context, service, domain string, entries chan *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("discovery: new resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Discovery announces this device and browses for peers over mDNS.
type Discovery struct {
	cfg    Config
	clock  clock.Clock
	logger log.Logger
	browse browseFunc

	mu     sync.Mutex
	server *zeroconf.Server
}

// New returns a Discovery. Call Announce before Browse if peers should be
// able to find this device; Browse works standalone for a browse-only node.
func New(cfg Config, clk clock.Clock, logger log.Logger) *Discovery {
	return &Discovery{cfg: cfg.withDefaults(), clock: clk, logger: logger, browse: defaultBrowse}
}

// Announce registers {device_id, port} on the LAN via mDNS (spec.md §4.14,
// §6 "TXT record carries device_id and port").
func (d *Discovery) Announce() error {
	txt := []string{
		"device_id=" + d.cfg.LocalDeviceID,
		"port=" + strconv.Itoa(d.cfg.Port),
	}
	server, err := zeroconf.Register(d.cfg.LocalDeviceID, ServiceType, domain, d.cfg.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("discovery: announce: %w", err)
	}
	d.mu.Lock()
	d.server = server
	d.mu.Unlock()
	return nil
}

// Shutdown withdraws this device's mDNS announcement, if any.
func (d *Discovery) Shutdown() {
	d.mu.Lock()
	server := d.server
	d.server = nil
	d.mu.Unlock()
	if server != nil {
		server.Shutdown()
	}
}

// Browse scans for peers for up to Config.BrowseTimeout (or ctx's own
// deadline, whichever is sooner), filtering out the local device id
// (spec.md §4.14, §8 "Own-device filtered mDNS" scenario).
func (d *Discovery) Browse(ctx context.Context) ([]DiscoveredDevice, error) {
	scanCtx, cancel := context.WithTimeout(ctx, d.cfg.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	var (
		wg   sync.WaitGroup
		out  []DiscoveredDevice
		seen = make(map[string]bool)
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			dd := parseEntry(entry)
			if dd.DeviceID == "" || dd.DeviceID == d.cfg.LocalDeviceID || seen[dd.DeviceID] {
				continue
			}
			seen[dd.DeviceID] = true
			out = append(out, dd)
		}
	}()

	if err := d.browse(scanCtx, ServiceType, domain, entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	<-scanCtx.Done()
	wg.Wait()

	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry) DiscoveredDevice {
	dd := DiscoveredDevice{Hostname: entry.HostName, Port: entry.Port}
	if len(entry.AddrIPv4) > 0 {
		dd.IPAddress = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		dd.IPAddress = entry.AddrIPv6[0].String()
	}
	for _, txt := range entry.Text {
		if id, ok := strings.CutPrefix(txt, "device_id="); ok {
			dd.DeviceID = id
		}
	}
	return dd
}

// RunContinuous browses every Config.Interval until ctx is canceled,
// handing each scan's result to onDiscovered. Like every other background
// loop in this module, a failed scan is logged and does not stop the loop
// (spec.md §7 "Background loops must never crash the process").
func (d *Discovery) RunContinuous(ctx context.Context, onDiscovered func([]DiscoveredDevice)) {
	interval := d.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := d.clock.NewTicker(interval)
	defer ticker.Stop()

	scan := func() {
		found, err := d.Browse(ctx)
		if err != nil {
			d.logger.Errorf("discovery: scan: %v", err)
			return
		}
		onDiscovered(found)
	}

	scan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			scan()
		}
	}
}
