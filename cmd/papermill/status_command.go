package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"papermill/internal/config"
)

func newHealthcheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check whether the daemon's stores answer queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			healthy, err := client.Healthcheck(cmd.Context())
			if err != nil {
				return err
			}
			if !healthy {
				return fmt.Errorf("daemon is unhealthy")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "true")
			return nil
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon reachability and the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			client, err := ctx.client()
			if err != nil {
				return err
			}
			healthy, healthErr := client.Healthcheck(cmd.Context())
			switch {
			case healthErr != nil:
				fmt.Fprintln(out, renderStatusLine("Daemon", statusWarn, "Not reachable (run papermilld)", colorize))
			case healthy:
				fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, "Running", colorize))
				fmt.Fprintln(out, renderStatusLine("Stores", statusOK, "Healthy", colorize))
			default:
				fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, "Running", colorize))
				fmt.Fprintln(out, renderStatusLine("Stores", statusError, "Health check failed", colorize))
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, renderTable(
				[]string{"Setting", "Value"},
				configSummaryRows(cfg),
			))
			return nil
		},
	}
}

func configSummaryRows(cfg *config.Config) [][]string {
	cluster := "disabled"
	if cfg.Cluster.Enabled {
		cluster = cfg.Cluster.HubURL
	}
	signing := "disabled"
	if cfg.Callback.Secret != "" {
		signing = "enabled"
	}
	return [][]string{
		{"API bind", cfg.Paths.APIBind},
		{"Data directory", cfg.Paths.DataDir},
		{"Result store", cfg.Database.Driver},
		{"Storage root", cfg.Storage.Root},
		{"Queue visibility", strconv.Itoa(cfg.Queue.VisibilityTimeout) + "s"},
		{"Callback signing", signing},
		{"Cluster", cluster},
	}
}
