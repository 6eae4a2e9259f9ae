package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"slotgrid/pkg/model"
)

// SlotProfile declares a kind of slot a node offers and how many.
type SlotProfile struct {
	Name         string            `yaml:"name"`
	BrowserName  string            `yaml:"browserName"`
	Version      string            `yaml:"version"`
	Platform     string            `yaml:"platform"`
	MaxInstances int               `yaml:"maxInstances"`
	Image        string            `yaml:"image"`
	Extra        map[string]string `yaml:"extra"`
}

func (p SlotProfile) Validate() error {
	if p.Name == "" {
		return errors.New("slot profile without a name")
	}
	if p.MaxInstances < 1 {
		return fmt.Errorf("slot profile %q: maxInstances must be at least 1", p.Name)
	}
	return nil
}

// Capabilities is what slots of this profile advertise.
func (p SlotProfile) Capabilities() *model.Capabilities {
	c := &model.Capabilities{
		Platform:    p.Platform,
		BrowserName: p.BrowserName,
		Version:     p.Version,
	}
	for k, v := range p.Extra {
		c.Set(k, v)
	}
	return c
}

type nodeFile struct {
	Slots []SlotProfile `yaml:"slots"`
}

// LoadProfiles reads slot profiles from a YAML file of the form
//
//	slots:
//	  - name: firefox
//	    browserName: firefox
//	    version: "115"
//	    platform: LINUX
//	    maxInstances: 2
//	    image: selenium/standalone-firefox:115
func LoadProfiles(path string) ([]SlotProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node config: %w", err)
	}
	var f nodeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse node config %s: %w", path, err)
	}
	return f.Slots, nil
}
