package pipeline

import (
	"errors"
	"fmt"
)

// Validate checks the fields downstream stages depend on.
func (r *Requirements) Validate() error {
	if r.Title == "" {
		return errors.New("requirements: title is required")
	}
	if len(r.Objectives) == 0 {
		return errors.New("requirements: at least one objective is required")
	}
	return nil
}

// Validate checks that the design can be turned into a validation job.
func (d *Design) Validate() error {
	if d.TopologyYAML == "" {
		return errors.New("design: topology_yaml is required")
	}
	return nil
}

// Validate checks that every guide step is a known type with a value.
func (g *Guide) Validate() error {
	if g.Markdown == "" && len(g.DeviceSections) == 0 {
		return errors.New("guide: markdown or device sections are required")
	}
	for _, sec := range g.DeviceSections {
		if sec.DeviceName == "" {
			return errors.New("guide: device section without device_name")
		}
		for i, st := range sec.Steps {
			if st.Type != "cmd" && st.Type != "verify" {
				return fmt.Errorf("guide: %s step %d has type %q, want cmd or verify", sec.DeviceName, i, st.Type)
			}
			if st.Value == "" {
				return fmt.Errorf("guide: %s step %d has no value", sec.DeviceName, i)
			}
		}
	}
	return nil
}
