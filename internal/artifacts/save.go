package artifacts

import (
	"fmt"
	"path/filepath"

	"github.com/lucasnoah/labforge/internal/pipeline"
)

// SaveLocal writes fetched artifacts under dir for offline inspection:
// validation_summary.json, validation_execution.log and devices/<file>.
func SaveLocal(a *pipeline.ValidationArtifacts, dir string) error {
	if err := pipeline.WriteJSON(filepath.Join(dir, "validation_summary.json"), a.Summary); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	if a.Logs != "" {
		if err := pipeline.WriteAtomic(filepath.Join(dir, "validation_execution.log"), []byte(a.Logs)); err != nil {
			return fmt.Errorf("save logs: %w", err)
		}
	}
	for name, content := range a.DeviceOutputs {
		if err := pipeline.WriteAtomic(filepath.Join(dir, "devices", filepath.Base(name)), []byte(content)); err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
	}
	return nil
}
