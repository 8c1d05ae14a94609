package simulator

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Fixture describes the tag managers, tags and sensors a simulated platform serves.
// It mirrors configs/simulator.yaml.
type Fixture struct {
	Username    string              `yaml:"username"`
	Password    string              `yaml:"password"`
	TagManagers []TagManagerFixture `yaml:"tag_managers"`
}

type TagManagerFixture struct {
	MAC    string       `yaml:"mac"`
	Name   string       `yaml:"name"`
	Online bool         `yaml:"online"`
	Tags   []TagFixture `yaml:"tags"`
}

type TagFixture struct {
	UUID           string          `yaml:"uuid"` // generated when empty
	Name           string          `yaml:"name"`
	SlaveID        int             `yaml:"slave_id"`
	Alive          bool            `yaml:"alive"`
	UpdateInterval int             `yaml:"update_interval"` // seconds
	Sensors        []SensorFixture `yaml:"sensors"`
}

type SensorFixture struct {
	Type              string         `yaml:"type"`
	Reading           any            `yaml:"reading"`
	EventState        string         `yaml:"event_state"`
	Armed             bool           `yaml:"armed"`
	ProbeType         string         `yaml:"probe_type"`
	ProbeDisconnected bool           `yaml:"probe_disconnected"`
	Monitoring        map[string]any `yaml:"monitoring"`
}

// Load parses a YAML fixture.
func Load(data []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("parse simulator fixture: %w", err)
	}
	if err := f.normalize(); err != nil {
		return Fixture{}, err
	}
	return f, nil
}

// LoadFile reads and parses a YAML fixture file.
func LoadFile(path string) (Fixture, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read simulator fixture: %w", err)
	}
	return Load(b)
}

func (f *Fixture) normalize() error {
	macs := make(map[string]bool)
	for i := range f.TagManagers {
		mgr := &f.TagManagers[i]
		if mgr.MAC == "" {
			return fmt.Errorf("tag manager %d: mac is required", i)
		}
		if macs[mgr.MAC] {
			return fmt.Errorf("duplicate tag manager mac %q", mgr.MAC)
		}
		macs[mgr.MAC] = true

		for j := range mgr.Tags {
			tag := &mgr.Tags[j]
			if tag.UUID == "" {
				tag.UUID = uuid.NewString()
			}
			for k := range tag.Sensors {
				if tag.Sensors[k].Type == "" {
					return fmt.Errorf("tag %s sensor %d: type is required", tag.UUID, k)
				}
				if tag.Sensors[k].Monitoring == nil {
					tag.Sensors[k].Monitoring = map[string]any{}
				}
			}
		}
	}
	return nil
}
