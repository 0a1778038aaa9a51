package jobclient

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/lucasnoah/labforge/internal/pipeline"
)

// Step is one CLI instruction replayed by the headless runner.
type Step struct {
	Type           string `json:"type"`
	Device         string `json:"device"`
	Text           string `json:"text"`
	Trigger        string `json:"trigger"`
	NonInteractive bool   `json:"non_interactive"`
}

// Spec is the job submitted to the execution engine.
type Spec struct {
	LabID          string `json:"lab_id"`
	RunID          string `json:"run_id"`
	TopologyYAML   string `json:"topology_yaml"`
	Steps          []Step `json:"steps"`
	ArtifactPrefix string `json:"artifact_prefix"`
}

func cliStep(device, text string) Step {
	return Step{Type: "cli", Device: device, Text: text, Trigger: "enter", NonInteractive: true}
}

// BuildSpec flattens a design and guide into the runner's step list. Each
// device section contributes its initial config lines, then its cmd steps,
// then its verify steps, in guide order.
func BuildSpec(labID, bucket string, d *pipeline.Design, g *pipeline.Guide) Spec {
	runID := "val-" + uuid.NewString()
	var steps []Step
	for _, sec := range g.DeviceSections {
		for _, line := range d.InitialConfigs[sec.DeviceName] {
			steps = append(steps, cliStep(sec.DeviceName, line))
		}
		for _, st := range sec.Steps {
			if st.Type == "cmd" {
				steps = append(steps, cliStep(sec.DeviceName, st.Value))
			}
		}
		for _, st := range sec.Steps {
			if st.Type == "verify" {
				steps = append(steps, cliStep(sec.DeviceName, st.Value))
			}
		}
	}
	return Spec{
		LabID:          labID,
		RunID:          runID,
		TopologyYAML:   d.TopologyYAML,
		Steps:          steps,
		ArtifactPrefix: fmt.Sprintf("s3://%s/%s", bucket, runID),
	}
}
