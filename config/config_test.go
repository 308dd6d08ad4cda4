package config

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestValidConfiguration(t *testing.T) {
	c := Config{
		NodeID:   "node-1",
		Identity: Identity{Type: "memory"},
		Web:      Web{Addr: "127.0.0.1:8443"},
		Keys:     Keys{Dir: "/var/lib/meshfabricd/keys"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("this configuration should have been valid: %v", err)
	}
}

func TestInvalidConfiguration(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatal("this configuration should be invalid")
	}
	got := err.Error()
	wanted := `invalid config:
	-	no nodeId specified in config file
	-	no identity storage type specified in config file
	-	must supply an address for the WebSocket server to listen on
	-	no key store directory specified in config file`
	if got != wanted {
		t.Fatalf("expected error message to be %q, got %q", wanted, got)
	}
}

func TestInvalidConfigurationRequiresCertAndKeyTogether(t *testing.T) {
	c := Config{
		NodeID:   "node-1",
		Identity: Identity{Type: "memory"},
		Web:      Web{Addr: "127.0.0.1:8443", CertFile: "cert.pem"},
		Keys:     Keys{Dir: "/var/lib/meshfabricd/keys"},
	}
	err := c.Validate()
	if err == nil {
		t.Fatal("a certFile without a matching keyFile should be invalid")
	}
}

func TestUnmarshalConfig(t *testing.T) {
	rawConfig := []byte(`
nodeId: node-1
identity:
  type: postgres
  networkDb:
    host: 10.0.0.1
    port: 5432
    database: meshfabric
    user: meshfabric
    maxOpenConns: 5
    maxIdleConns: 3
web:
  addr: 0.0.0.0:8443
  maxParseErrors: 10
  perAddressRateLimit: 20
  perAddressBurst: 40
keys:
  dir: /var/lib/meshfabricd/keys
  heimdallKeyId: heimdall-prod
  rotationInterval: 720h
  gracePeriod: 24h
discovery:
  enabled: true
  port: 5353
logger:
  level: info
  format: json
`)

	var c Config
	if err := yaml.Unmarshal(rawConfig, &c); err != nil {
		t.Fatalf("failed to decode config: %v", err)
	}

	if c.NodeID != "node-1" {
		t.Errorf("expected nodeId %q, got %q", "node-1", c.NodeID)
	}
	if c.Identity.Type != "postgres" {
		t.Errorf("expected identity type %q, got %q", "postgres", c.Identity.Type)
	}
	if c.Identity.NetworkDB.Host != "10.0.0.1" {
		t.Errorf("expected networkDb host %q, got %q", "10.0.0.1", c.Identity.NetworkDB.Host)
	}
	if c.Web.PerAddressBurst != 40 {
		t.Errorf("expected perAddressBurst %d, got %d", 40, c.Web.PerAddressBurst)
	}
	if !c.Discovery.Enabled {
		t.Error("expected discovery to be enabled")
	}
}

func TestWithDefaults(t *testing.T) {
	c := Config{}.WithDefaults()

	if c.Keys.HeimdallKeyID != "heimdall" {
		t.Errorf("expected default heimdallKeyId %q, got %q", "heimdall", c.Keys.HeimdallKeyID)
	}
	if c.Web.MaxParseErrors != 5 {
		t.Errorf("expected default maxParseErrors %d, got %d", 5, c.Web.MaxParseErrors)
	}
	if c.Web.PerAddressRateLimit != 5 {
		t.Errorf("expected default perAddressRateLimit %v, got %v", 5, c.Web.PerAddressRateLimit)
	}
	if c.Expiry.ClockSkew <= 0 {
		t.Error("expected ClockSkew to be defaulted to a positive duration")
	}
}
