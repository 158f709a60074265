package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/bootstrap"
	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

var (
	statusFilter string
	clientFilter string
	limitFlag    int
	jsonFlag     bool
	allFlag      bool
	olderThan    time.Duration
)

var sandboxesCmd = &cobra.Command{
	Use:     "sandboxes",
	Aliases: []string{"sandbox", "sb"},
	Short:   "Inspect and clean up recorded sandboxes",
}

var sandboxesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandboxes from the ledger",
	RunE:  runSandboxesList,
}

var sandboxesShowCmd = &cobra.Command{
	Use:   "show <sandbox-id>",
	Short: "Show one sandbox (id or unique prefix)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxesShow,
}

var sandboxesReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Destroy sandboxes the ledger still lists as live",
	Long: `Destroy every sandbox the ledger still lists as live for the configured
runtime. Run it while the server is stopped: live sandboxes of a running
server are indistinguishable from orphans.

With --all and the docker runtime, every container carrying the runbox
label is removed too, including ones the ledger never saw.`,
	RunE: runSandboxesReap,
}

var sandboxesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete ledger rows of sandboxes destroyed long ago",
	RunE:  runSandboxesPrune,
}

func init() {
	rootCmd.AddCommand(sandboxesCmd)
	sandboxesCmd.AddCommand(sandboxesListCmd, sandboxesShowCmd, sandboxesReapCmd, sandboxesPruneCmd)

	sandboxesListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (live, destroyed)")
	sandboxesListCmd.Flags().StringVar(&clientFilter, "client", "", "Filter by client id")
	sandboxesListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max sandboxes to show")
	sandboxesListCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print JSON instead of a table")

	sandboxesReapCmd.Flags().BoolVar(&allFlag, "all", false, "Also remove labelled containers missing from the ledger (docker only)")

	sandboxesPruneCmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Only prune rows destroyed longer ago than this")
}

func openLedger() (*config.Config, *sqlite.SQLiteLedger, error) {
	cfg, err := bootstrap.LoadConfig(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	ledger, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, ledger, nil
}

func runSandboxesList(cmd *cobra.Command, args []string) error {
	_, ledger, err := openLedger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	records, err := ledger.ListSandboxes(context.Background(), storage.ListOptions{
		ClientID: clientFilter,
		Status:   storage.SandboxStatus(statusFilter),
		Limit:    limitFlag,
	})
	if err != nil {
		return err
	}

	if jsonFlag {
		data, err := storage.ExportJSON(records)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(records) == 0 {
		fmt.Println("No sandboxes found.")
		return nil
	}
	fmt.Print(storage.ExportTable(records, time.Now()))
	return nil
}

func runSandboxesShow(cmd *cobra.Command, args []string) error {
	_, ledger, err := openLedger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	rec, err := ledger.GetSandbox(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Sandbox:   %s\n", rec.ID)
	fmt.Printf("Client:    %s\n", rec.ClientID)
	fmt.Printf("Runtime:   %s\n", rec.Runtime)
	fmt.Printf("Mode:      %s\n", rec.Mode)
	fmt.Printf("Status:    %s\n", rec.Status)
	fmt.Printf("Created:   %s\n", rec.CreatedAt.Format(time.RFC3339))
	if !rec.DestroyedAt.IsZero() {
		fmt.Printf("Destroyed: %s\n", rec.DestroyedAt.Format(time.RFC3339))
	}
	return nil
}

func runSandboxesReap(cmd *cobra.Command, args []string) error {
	cfg, ledger, err := openLedger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx := context.Background()
	logger := bootstrap.Logger(cfg)

	rt, closeRuntime, err := bootstrap.Runtime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRuntime()

	n, err := bootstrap.ReapOrphans(ctx, rt, ledger, cfg.Sandbox.Runtime, logger)
	if err != nil {
		return err
	}

	if allFlag {
		docker, ok := rt.(*sandbox.DockerRuntime)
		if !ok {
			fmt.Fprintln(os.Stderr, "--all only applies to the docker runtime")
		} else {
			ids, err := docker.ListManaged(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				docker.Destroy(ctx, sandbox.Ref(id))
				ledger.MarkDestroyed(ctx, id)
				n++
			}
		}
	}

	fmt.Printf("Reaped %d sandbox(es).\n", n)
	return nil
}

func runSandboxesPrune(cmd *cobra.Command, args []string) error {
	_, ledger, err := openLedger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	n, err := ledger.Prune(context.Background(), time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d row(s).\n", n)
	return nil
}
