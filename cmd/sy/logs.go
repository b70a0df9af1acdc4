package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/models"
)

func newLogsCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		lines      int
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recently handled messages",
		Long:  "Displays entries from the exchange log, oldest first. Filter by user with --user.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd, configPath, userID, lines)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "filter by user id (channel:id)")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of recent entries to show")
	return cmd
}

func runLogs(cmd *cobra.Command, configPath, userID string, lines int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, gormDB, err := openStore(cfg, nil)
	if err != nil {
		return err
	}
	defer closeDB(gormDB)

	entries, err := store.RecentExchanges(cmd.Context(), userID, lines)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No exchanges found.")
		return nil
	}
	// Chronological display.
	slices.Reverse(entries)
	for _, e := range entries {
		printExchange(out, e)
	}
	return nil
}

func printExchange(w io.Writer, e models.ExchangeLog) {
	response := e.ResponseName
	if response == "" {
		response = "-"
	}
	fmt.Fprintf(w, "%s  %-20s %s -> %s", e.CreatedAt.UTC().Format("2006-01-02 15:04:05"), e.UserID, e.MessageName, response)
	if e.Event != "" {
		fmt.Fprintf(w, " [%s]", e.Event)
	}
	if e.CallbackID != "" {
		fmt.Fprintf(w, " cb=%s", e.CallbackID)
	}
	fmt.Fprintf(w, " %dms", e.LatencyMs)
	if e.Error != "" {
		fmt.Fprintf(w, " error: %s", e.Error)
	}
	fmt.Fprintln(w)
}
