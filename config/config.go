// Package config loads the YAML configuration for cmd/meshfabricd, kept and
// adapted from this codebase's config loader shape: one struct tree
// unmarshaled via gopkg.in/yaml.v3, plus a Validate pass that runs fast,
// cheap checks before anything is opened (spec.md §9 "Configuration... no
// hot-reload").
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the top-level configuration for a meshfabricd process.
type Config struct {
	NodeID    string    `yaml:"nodeId"`
	Identity  Identity  `yaml:"identity"`
	Keys      Keys      `yaml:"keys"`
	Web       Web       `yaml:"web"`
	Admin     Admin     `yaml:"admin"`
	Telemetry Telemetry `yaml:"telemetry"`
	Discovery Discovery `yaml:"discovery"`
	Quality   Quality   `yaml:"quality"`
	Expiry    Expiry    `yaml:"expiry"`
	Logger    Logger    `yaml:"logger"`
}

// Identity selects and configures the identity.Storage backend.
type Identity struct {
	// Type is one of "memory", "postgres", "mysql", "sqlite3".
	Type      string    `yaml:"type"`
	NetworkDB NetworkDB `yaml:"networkDb"`
	SSLMode   string    `yaml:"sslMode"`
	SQLite    SQLite    `yaml:"sqlite"`
}

// NetworkDB mirrors heimdall/identity/sqlstore.NetworkDB.
type NetworkDB struct {
	Database     string `yaml:"database"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Host         string `yaml:"host"`
	Port         uint16 `yaml:"port"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
}

// SQLite mirrors heimdall/identity/sqlstore.SQLite.
type SQLite struct {
	File string `yaml:"file"`
}

// SSL holds a TLS mode and a CA file path. sqlstore has no matching type,
// and Identity.Open does not read it: the backends get Identity.SSLMode.
type SSL struct {
	Mode   string `yaml:"mode"`
	CAFile string `yaml:"caFile"`
}

// Keys configures heimdall/keystore and heimdall/keyrotation.
type Keys struct {
	// Dir is the base directory heimdall/keystore.FileStore is rooted at.
	Dir              string        `yaml:"dir"`
	HeimdallKeyID    string        `yaml:"heimdallKeyId"`
	RotationInterval time.Duration `yaml:"rotationInterval"`
	GracePeriod      time.Duration `yaml:"gracePeriod"`
}

func (k Keys) withDefaults() Keys {
	if k.HeimdallKeyID == "" {
		k.HeimdallKeyID = "heimdall"
	}
	if k.RotationInterval <= 0 {
		k.RotationInterval = 30 * 24 * time.Hour
	}
	if k.GracePeriod <= 0 {
		k.GracePeriod = 24 * time.Hour
	}
	return k
}

// Web is the WebSocket server's listen configuration. Heartbeat cadence is
// not configurable here: bifrost/connmgr fixes HeartbeatInterval and
// HeartbeatTimeout as package constants (spec.md §4.9).
type Web struct {
	Addr                string  `yaml:"addr"`
	MaxParseErrors      int     `yaml:"maxParseErrors"`
	PerAddressRateLimit float64 `yaml:"perAddressRateLimit"`
	PerAddressBurst     int     `yaml:"perAddressBurst"`

	// CertFile and KeyFile, if both set, serve the WebSocket endpoint over
	// TLS 1.3 with the AEAD-only cipher suite set (spec.md §6 "TLS 1.3
	// only... no downgrade accepted"), via wsserver.NewTLSConfig. Left
	// blank, the endpoint serves plaintext — a valid choice for a node
	// sitting behind a TLS-terminating proxy.
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// Telemetry is the metrics/health HTTP server configuration.
type Telemetry struct {
	Addr string `yaml:"addr"`
}

// Admin is the mesh administration HTTP server's listen configuration.
// Left blank, the admin surface does not listen (spec.md §4.6's owner
// operations are then unreachable, which is a valid headless-mesh
// deployment).
type Admin struct {
	Addr string `yaml:"addr"`
}

// Discovery configures bifrost/discovery.
type Discovery struct {
	Enabled       bool          `yaml:"enabled"`
	Port          int           `yaml:"port"`
	BrowseTimeout time.Duration `yaml:"browseTimeout"`
	Interval      time.Duration `yaml:"interval"`
}

// Quality configures bifrost/quality.Monitor.
type Quality struct {
	WindowSize           int     `yaml:"windowSize"`
	MaxLatencyMS         int64   `yaml:"maxLatencyMs"`
	DegradationThreshold int     `yaml:"degradationThreshold"`
	LatencyWeight        float64 `yaml:"latencyWeight"`
}

// Expiry holds token/session validity windows, parsed as Go durations
// (some config loaders parse Expiry as string durations at startup; this
// config uses yaml.v3's native time.Duration support instead since there is
// no JSON-config back-compat constraint to preserve).
type Expiry struct {
	HeimdallToken time.Duration `yaml:"heimdallToken"`
	SessionToken  time.Duration `yaml:"sessionToken"`
	MeshToken     time.Duration `yaml:"meshToken"`
	RefreshToken  time.Duration `yaml:"refreshToken"`
	ClockSkew     time.Duration `yaml:"clockSkew"`
	SessionTTL    time.Duration `yaml:"sessionTtl"`
	SessionIdle   time.Duration `yaml:"sessionIdle"`
}

func (e Expiry) withDefaults() Expiry {
	if e.HeimdallToken <= 0 {
		e.HeimdallToken = 24 * time.Hour
	}
	if e.SessionToken <= 0 {
		e.SessionToken = time.Hour
	}
	if e.MeshToken <= 0 {
		e.MeshToken = time.Hour
	}
	if e.RefreshToken <= 0 {
		e.RefreshToken = 30 * 24 * time.Hour
	}
	if e.ClockSkew <= 0 {
		// spec.md Open Question (b): ±60s, per SPEC_FULL.md's resolution.
		e.ClockSkew = 60 * time.Second
	}
	if e.SessionTTL <= 0 {
		e.SessionTTL = 12 * time.Hour
	}
	if e.SessionIdle <= 0 {
		e.SessionIdle = 30 * time.Minute
	}
	return e
}

// Logger holds configuration required to customize logging, the same shape
// this codebase's other config loaders use for their Logger section.
type Logger struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WithDefaults fills in every zero-valued tunable with its documented
// default, the same role per-section defaulting plays when scattered
// across a server.Config's construction in a serve command, centralized
// here instead.
func (c Config) WithDefaults() Config {
	c.Keys = c.Keys.withDefaults()
	c.Expiry = c.Expiry.withDefaults()
	if c.Web.MaxParseErrors <= 0 {
		c.Web.MaxParseErrors = 5
	}
	if c.Web.PerAddressRateLimit <= 0 {
		c.Web.PerAddressRateLimit = 5
	}
	if c.Web.PerAddressBurst <= 0 {
		c.Web.PerAddressBurst = 10
	}
	if c.Discovery.BrowseTimeout <= 0 {
		c.Discovery.BrowseTimeout = 5 * time.Second
	}
	if c.Discovery.Interval <= 0 {
		c.Discovery.Interval = time.Minute
	}
	return c
}

// Validate runs the fast, cheap checks a Config.Validate method should run
// before anything is opened.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.NodeID == "", "no nodeId specified in config file"},
		{c.Identity.Type == "", "no identity storage type specified in config file"},
		{c.Web.Addr == "", "must supply an address for the WebSocket server to listen on"},
		{(c.Web.CertFile == "") != (c.Web.KeyFile == ""), "web.certFile and web.keyFile must both be set, or both left blank"},
		{c.Keys.Dir == "", "no key store directory specified in config file"},
	}

	var errs []string
	for _, check := range checks {
		if check.bad {
			errs = append(errs, check.errMsg)
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(errs, "\n\t-\t"))
	}
	return nil
}
