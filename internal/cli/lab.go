package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/lucasnoah/labforge/internal/artifacts"
	"github.com/lucasnoah/labforge/internal/orchestrator"
	"github.com/lucasnoah/labforge/internal/pipeline"
	"github.com/lucasnoah/labforge/internal/web"
	"github.com/spf13/cobra"
)

var labCmd = &cobra.Command{
	Use:   "lab",
	Short: "Create, converse with and inspect labs on a running server",
}

func serverURL(cmd *cobra.Command) string {
	if s, _ := cmd.Flags().GetString("server"); s != "" {
		return s
	}
	if s := os.Getenv("LABFORGE_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8081"
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func printTurn(cmd *cobra.Command, tr *orchestrator.TurnResponse) error {
	if format, _ := cmd.Flags().GetString("format"); format == "json" {
		return writeJSON(cmd, tr)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "lab %s [%s]\n", tr.LabID, tr.Status)
	if tr.Reply != "" {
		fmt.Fprintf(w, "\n%s\n", tr.Reply)
	}
	if tr.RequirementsReady && tr.Requirements != nil {
		fmt.Fprintf(w, "\nRequirements captured: %s. Generation is running in the background.\n", tr.Requirements.Title)
		fmt.Fprintf(w, "Follow it with: labforge lab status %s --watch\n", tr.LabID)
	}
	return nil
}

var labCreateCmd = &cobra.Command{
	Use:   "create <prompt...>",
	Short: "Start a new lab from a short request",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		var tr orchestrator.TurnResponse
		err := newAPIClient(serverURL(cmd)).do(cmd.Context(), http.MethodPost, "/api/labs",
			web.CreateRequest{Prompt: strings.Join(args, " "), DryRun: dryRun}, &tr)
		if err != nil {
			return err
		}
		return printTurn(cmd, &tr)
	},
}

var labSayCmd = &cobra.Command{
	Use:   "say <lab-id> <message...>",
	Short: "Answer the requirements conversation for a lab",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var tr orchestrator.TurnResponse
		err := newAPIClient(serverURL(cmd)).do(cmd.Context(), http.MethodPost, "/api/labs/"+args[0]+"/message",
			web.MessageRequest{Content: strings.Join(args[1:], " ")}, &tr)
		if err != nil {
			return err
		}
		return printTurn(cmd, &tr)
	},
}

var labGenerateCmd = &cobra.Command{
	Use:   "generate <lab-id>",
	Short: "Trigger generation for a lab whose requirements are ready",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var gr web.GenerateResponse
		err := newAPIClient(serverURL(cmd)).do(cmd.Context(), http.MethodPost, "/api/labs/"+args[0]+"/generate", nil, &gr)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			return fmt.Errorf("lab %s: %s", args[0], apiErr.Message)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "lab %s %s\n", gr.LabID, gr.Status)
		return nil
	},
}

func printProjection(cmd *cobra.Command, p *orchestrator.Projection) {
	w := cmd.OutOrStdout()
	stageName := "-"
	if p.CurrentStage != nil {
		stageName = *p.CurrentStage
	}
	fmt.Fprintf(w, "%s  %-18s %-11s %s\n", p.LabID, p.Status, stageName, p.Summary())
}

var labStatusCmd = &cobra.Command{
	Use:   "status <lab-id>",
	Short: "Show where a lab is in the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(serverURL(cmd))
		format, _ := cmd.Flags().GetString("format")

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			result, err := client.stream(cmd.Context(), args[0], func(data []byte) error {
				if format == "json" {
					fmt.Fprintln(cmd.OutOrStdout(), string(data))
					return nil
				}
				var p orchestrator.Projection
				if err := json.Unmarshal(data, &p); err != nil {
					return err
				}
				printProjection(cmd, &p)
				return nil
			})
			if err != nil {
				return err
			}
			if result == string(pipeline.StatusFailed) {
				return fmt.Errorf("lab %s failed", args[0])
			}
			return nil
		}

		var p orchestrator.Projection
		if err := client.do(cmd.Context(), http.MethodGet, "/api/labs/"+args[0]+"/status", nil, &p); err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(cmd, p)
		}
		printProjection(cmd, &p)
		return nil
	},
}

var labListCmd = &cobra.Command{
	Use:   "list",
	Short: "List labs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		offline, _ := cmd.Flags().GetBool("offline")

		var items []web.LabListItem
		if offline {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Dir == "" {
				return errors.New("store.dir is not set, so there are no snapshots to read")
			}
			sessions, err := pipeline.ReadSnapshots(cfg.Store.Dir)
			if err != nil {
				return err
			}
			for i := range sessions {
				s := &sessions[i]
				if status != "" && string(s.Status) != status {
					continue
				}
				items = append(items, web.LabListItem{
					LabID: s.ID, Title: s.Title(), Status: s.Status, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
				})
			}
		} else {
			path := "/api/labs"
			if status != "" {
				path += "?status=" + status
			}
			if err := newAPIClient(serverURL(cmd)).do(cmd.Context(), http.MethodGet, path, nil, &items); err != nil {
				return err
			}
		}

		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, items)
		}
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No labs found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LAB\tSTATUS\tUPDATED\tTITLE")
		for _, it := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", it.LabID, it.Status, it.UpdatedAt.Local().Format("2006-01-02 15:04"), it.Title)
		}
		return w.Flush()
	},
}

var labEventsCmd = &cobra.Command{
	Use:   "events <lab-id>",
	Short: "Show the event ledger and validation runs for a lab",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var er web.EventsResponse
		if err := newAPIClient(serverURL(cmd)).do(cmd.Context(), http.MethodGet, "/api/labs/"+args[0]+"/events", nil, &er); err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, er)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tEVENT\tSTAGE\tDETAIL")
		for _, e := range er.Events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp, e.Event, e.Stage, e.Detail)
		}
		if len(er.ValidationRuns) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintln(w, "EXECUTION\tOUTCOME\tSTEPS\tDURATION")
			for _, r := range er.ValidationRuns {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%dms\n", r.ExecutionID, r.Outcome, r.Passed, r.TotalSteps, r.DurationMs)
			}
		}
		return w.Flush()
	},
}

var labArtifactsCmd = &cobra.Command{
	Use:   "artifacts <execution-id>",
	Short: "Download the artifacts of a validation run to a local directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = args[0]
		}

		ctx := cmd.Context()
		blobs, err := newBlobStore(ctx, cfg)
		if err != nil {
			return err
		}
		a, err := artifacts.NewFetcher(blobs).FetchOnce(ctx, args[0])
		if err != nil {
			return err
		}
		if err := artifacts.SaveLocal(a, out); err != nil {
			return err
		}
		verdict := "did not pass"
		if artifacts.Passed(a.Summary) && a.Summary.Stats.TotalSteps > 0 {
			verdict = "passed"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %d device file(s) to %s; validation %s (%d/%d steps).\n",
			len(a.DeviceOutputs), out, verdict, a.Summary.Stats.Passed, a.Summary.Stats.TotalSteps)
		return nil
	},
}

func init() {
	labCmd.PersistentFlags().String("server", "", "labforge server URL (default $LABFORGE_SERVER or http://localhost:8081)")

	labCreateCmd.Flags().Bool("dry-run", false, "Skip validation on live devices")
	labStatusCmd.Flags().Bool("watch", false, "Follow the status stream until the lab finishes")
	labListCmd.Flags().String("status", "", "Only list labs with this status")
	labListCmd.Flags().Bool("offline", false, "Read snapshots from store.dir instead of asking the server")
	labArtifactsCmd.Flags().StringP("out", "o", "", "Output directory (default: the execution id)")

	for _, c := range []*cobra.Command{labCreateCmd, labSayCmd, labStatusCmd, labListCmd, labEventsCmd} {
		c.Flags().String("format", "text", "Output format: text or json")
	}

	labCmd.AddCommand(labCreateCmd)
	labCmd.AddCommand(labSayCmd)
	labCmd.AddCommand(labGenerateCmd)
	labCmd.AddCommand(labStatusCmd)
	labCmd.AddCommand(labListCmd)
	labCmd.AddCommand(labEventsCmd)
	labCmd.AddCommand(labArtifactsCmd)
}
