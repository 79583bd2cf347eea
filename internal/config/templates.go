package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template describes how VMs of one kind are provisioned and how many
// concurrent sessions each can carry.
type Template struct {
	ID           string            `yaml:"id"`
	InstanceType string            `yaml:"instance_type"`
	AMIByRegion  map[string]string `yaml:"ami_by_region"`
	MaxSessions  int               `yaml:"max_sessions"`
	ControlPort  int               `yaml:"control_port"`
	StreamPort   int               `yaml:"stream_port"`
	Protocol     string            `yaml:"protocol"`
	UDPPorts     []int             `yaml:"udp_ports"`
	// WarmPerRegion is how many READY VMs the reconcile job keeps per region.
	WarmPerRegion map[string]int `yaml:"warm_per_region"`
}

type Catalog struct {
	Templates []Template `yaml:"templates"`
	// Apps maps an application id to the host launch command.
	Apps map[string]string `yaml:"apps"`
}

func LoadCatalog(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Templates))
	for i := range c.Templates {
		t := &c.Templates[i]
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			return Catalog{}, fmt.Errorf("template %d: id is required", i)
		}
		if _, dup := seen[t.ID]; dup {
			return Catalog{}, fmt.Errorf("template %s: duplicate id", t.ID)
		}
		seen[t.ID] = struct{}{}
		if t.MaxSessions <= 0 {
			t.MaxSessions = 1
		}
		if t.ControlPort == 0 {
			t.ControlPort = 47989
		}
		if t.StreamPort == 0 {
			t.StreamPort = 47984
		}
		if t.Protocol == "" {
			t.Protocol = "webrtc"
		}
	}
	if c.Apps == nil {
		c.Apps = map[string]string{}
	}
	return c, nil
}

func (c Catalog) Template(id string) (Template, bool) {
	for _, t := range c.Templates {
		if t.ID == id {
			return t, true
		}
	}
	return Template{}, false
}
