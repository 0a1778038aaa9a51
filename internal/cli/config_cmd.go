package cli

import (
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	"github.com/lucasnoah/labforge/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect labforge configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate checks the configuration for missing or malformed values.
With --commands it also checks that the planner and stage programs
can be found on PATH.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var problems []string
		for _, e := range config.Validate(cfg) {
			problems = append(problems, e.Error())
		}
		if check, _ := cmd.Flags().GetBool("commands"); check {
			problems = append(problems, missingCommands(cfg)...)
		}

		if len(problems) == 0 {
			cmd.Println("Configuration is valid.")
			return nil
		}
		cmd.Println("Validation errors:")
		for _, p := range problems {
			cmd.Printf("  - %s\n", p)
		}
		return fmt.Errorf("config has %d validation error(s)", len(problems))
	},
}

// missingCommands reports stage commands whose program is not on PATH.
// Commands run through sh -c, so only the first word is looked up and
// leading VAR=value assignments are skipped.
func missingCommands(cfg *config.Config) []string {
	commands := []struct{ field, command string }{
		{"interactive.command", cfg.Interactive.Command},
		{"stages.design.command", cfg.Stages.Design.Command},
		{"stages.author.command", cfg.Stages.Author.Command},
	}
	var out []string
	for _, c := range commands {
		prog := program(c.command)
		if prog == "" {
			continue
		}
		if _, err := exec.LookPath(prog); err != nil {
			out = append(out, fmt.Sprintf("%s: %q not found on PATH", c.field, prog))
		}
	}
	return out
}

func program(command string) string {
	for _, f := range strings.Fields(command) {
		if !strings.Contains(f, "=") {
			return f
		}
	}
	return ""
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults merged and secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		shown := redact(cfg)
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, shown)
		}
		data, err := yaml.Marshal(shown)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}
		cmd.Print(string(data))
		return nil
	},
}

// redact returns a copy of cfg safe to print: the engine token, the minio
// secret key, tracing header values and any password in a postgres DSN.
func redact(cfg *config.Config) *config.Config {
	shown := *cfg
	if shown.Validation.EngineToken != "" {
		shown.Validation.EngineToken = redacted
	}
	if shown.Artifacts.Minio.SecretKey != "" {
		shown.Artifacts.Minio.SecretKey = redacted
	}
	if len(cfg.Tracing.Headers) > 0 {
		shown.Tracing.Headers = make(map[string]string, len(cfg.Tracing.Headers))
		for k := range cfg.Tracing.Headers {
			shown.Tracing.Headers[k] = redacted
		}
	}
	if u, err := url.Parse(cfg.Database.DSN); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
			shown.Database.DSN = u.String()
		}
	}
	return &shown
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

func init() {
	configValidateCmd.Flags().Bool("commands", false, "Also check that configured stage programs are on PATH")
	configShowCmd.Flags().String("format", "yaml", "Output format: yaml or json")

	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
