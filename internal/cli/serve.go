package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lucasnoah/labforge/internal/config"
	"github.com/lucasnoah/labforge/internal/orchestrator"
	"github.com/lucasnoah/labforge/internal/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lab API and the background generation workers",
	Long: `Start the HTTP API, the status stream and a pool of workers that run
triggered labs through design, guide writing and validation.

Sessions persisted under store.dir are reloaded on start. Labs that were
waiting for generation are queued again; labs caught mid-stage are marked
failed as interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if errs := config.Validate(cfg); len(errs) > 0 {
			for _, e := range errs {
				fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", e)
			}
			return fmt.Errorf("config has %d validation error(s)", len(errs))
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Server.Port = port
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, cleanup, err := newRuntime(ctx, cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer cleanup()

		if failed := rt.orch.Resume(rt.resume); len(failed) > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "  → could not resume %d lab(s): %v\n", len(failed), failed)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return orchestrator.NewPool(rt.queue, rt.ctrl, cfg.Workers.Count).Run(gctx)
		})
		g.Go(func() error {
			return web.NewServer(rt.orch, rt.db, cfg.Server.Port).Start(gctx)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides server.port)")
}
