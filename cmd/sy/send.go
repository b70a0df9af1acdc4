package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/dispatch"
	"github.com/zulandar/switchyard/internal/message"
	"golang.org/x/term"
)

func newSendCmd() *cobra.Command {
	var (
		configPath string
		callbackID string
		pretty     bool
	)

	cmd := &cobra.Command{
		Use:   "send <message.json|->",
		Short: "Run one message through the engine",
		Long: `Reads an inbound message (a file, or stdin with "-"), processes it against
the configured scenarios and user-state database, and prints the response.
Output is indented when stdout is a terminal or --pretty is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, configPath, args[0], callbackID, pretty)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVar(&callbackID, "callback", "", "integration callback id the message answers")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent the response")
	return cmd
}

func runSend(cmd *cobra.Command, configPath, source, callbackID string, pretty bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	data, err := readSource(cmd, source)
	if err != nil {
		return err
	}
	msg, err := message.Parse(data)
	if err != nil {
		return err
	}
	if callbackID != "" {
		msg.SetHeader(message.HeaderCallbackID, callbackID)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	manager, err := buildManager(cfg, logger)
	if err != nil {
		return err
	}
	store, gormDB, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB(gormDB)

	dispatcher, err := dispatch.NewDispatcher(dispatch.DispatcherOpts{
		Manager:     manager,
		Store:       store,
		Workers:     1,
		SaveRetries: cfg.Dispatch.SaveRetries,
		Exchanges:   store,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	resp, err := dispatcher.Handle(cmd.Context(), msg)
	if errors.Is(err, dispatch.ErrSkipped) {
		fmt.Fprintf(out, "Skipped: %v\n", err)
		return nil
	}
	if err != nil {
		return err
	}
	if resp == nil {
		fmt.Fprintln(out, "No response (base kit).")
		return nil
	}

	encode := message.MarshalResponse
	if pretty || isTerminal(out) {
		encode = message.MarshalResponseIndent
	}
	encoded, err := encode(resp)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func readSource(cmd *cobra.Command, source string) ([]byte, error) {
	if source == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", source, err)
	}
	return data, nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
