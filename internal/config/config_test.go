package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AEGIS_DATABASE_URL", "postgres://localhost/aegis")
	t.Setenv("AEGIS_JWT_SECRET", "secret")
	t.Setenv("AEGIS_ADMIN_KEY", "admin")
	t.Setenv("AEGIS_MEDIA_ENGINE_KEY", "engine")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setRequired(t)
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.VMProvider != "fake" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.SupportedRegion) != 2 || cfg.SupportedRegion[1] != "eu-west-1" {
		t.Fatalf("unexpected regions: %v", cfg.SupportedRegion)
	}
	if cfg.PairTimeout != 5*time.Second {
		t.Fatalf("unexpected pair timeout: %s", cfg.PairTimeout)
	}
}

func TestLoadFromEnv_AWSRequiresAMIMap(t *testing.T) {
	setRequired(t)
	t.Setenv("AEGIS_VM_PROVIDER", "aws")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error without ami map")
	}
	t.Setenv("AEGIS_AWS_AMI_MAP", "us-east-1=ami-1,eu-west-1=ami-2")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.AWSAMIMap["eu-west-1"] != "ami-2" {
		t.Fatalf("unexpected ami map: %v", cfg.AWSAMIMap)
	}
}

func TestLoadFromEnv_MissingSecret(t *testing.T) {
	t.Setenv("AEGIS_DATABASE_URL", "postgres://localhost/aegis")
	t.Setenv("AEGIS_JWT_SECRET", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseCatalog(t *testing.T) {
	raw := []byte(`
templates:
  - id: gpu-small
    instance_type: g4dn.xlarge
    max_sessions: 2
    udp_ports: [47998, 47999, 48000]
    warm_per_region:
      us-east-1: 1
  - id: gpu-large
apps:
  "730": steam://rungameid/730
`)
	c, err := ParseCatalog(raw)
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	small, ok := c.Template("gpu-small")
	if !ok || small.MaxSessions != 2 || small.ControlPort != 47989 || len(small.UDPPorts) != 3 {
		t.Fatalf("unexpected template: %+v", small)
	}
	large, _ := c.Template("gpu-large")
	if large.MaxSessions != 1 || large.Protocol != "webrtc" {
		t.Fatalf("defaults not applied: %+v", large)
	}
	if c.Apps["730"] != "steam://rungameid/730" {
		t.Fatalf("unexpected apps: %v", c.Apps)
	}
}

func TestParseCatalog_DuplicateID(t *testing.T) {
	_, err := ParseCatalog([]byte("templates:\n  - id: a\n  - id: a\n"))
	if err == nil {
		t.Fatal("expected duplicate error")
	}
}
