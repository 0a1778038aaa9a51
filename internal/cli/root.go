package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "labforge",
	Short: "labforge: generate and validate network lab exercises",
	Long: `labforge turns a short request into a complete network lab: it gathers
requirements through a short conversation, designs a topology, writes the lab
guide and validates it on live devices through a job execution engine.

"labforge serve" runs the API and the background workers. The lab commands
talk to a running server. Configuration is read from ./labforge.yaml or
~/.labforge/config.yaml unless --config is given.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to labforge config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(labCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(analyticsCmd)
}
