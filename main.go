package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"Tether/mcp"
	"Tether/pkg/config"
	"Tether/pkg/ipc"
	"Tether/pkg/logger"
)

var version = "dev"

var (
	flagConfig string
	flagJSON   bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tether",
		Short:         "Keep Android debug connections alive over TCP/IP",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default: user config dir)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")

	cmd.AddCommand(daemonCmd(), statusCmd(), devicesCmd(), forgetCmd(), historyCmd(), mcpCmd())
	return cmd
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the service in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app := NewApp(version, flagConfig)
			if err := app.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			logger.Info("app").Msg("Shutting down")
			app.Stop()
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the bridge status of the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(ipc.Request{Command: ipc.CmdStatus})
			if err != nil {
				return err
			}
			if flagJSON || resp.Status == nil {
				return printJSON(cmd.OutOrStdout(), resp.Status)
			}
			st := resp.Status
			out := cmd.OutOrStdout()
			if st.Armed {
				fmt.Fprintln(out, "Tether is monitoring connections")
			} else {
				fmt.Fprintln(out, "Tether is not monitoring connections")
			}
			if st.Remembered != nil {
				fmt.Fprintf(out, "last connected to %s at %s:%d\n", st.Remembered.UserIdentifier, st.Remembered.IPAddress, st.Remembered.Port)
			} else {
				fmt.Fprintln(out, "no remembered connection")
			}
			fmt.Fprintf(out, "tracker: %s\n", st.TrackerState)
			if st.LastReconcile > 0 {
				fmt.Fprintf(out, "last reconcile: %s (%s)\n", time.UnixMilli(st.LastReconcile).Format(time.RFC3339), st.LastReason)
			}
			if st.LastError != "" {
				fmt.Fprintf(out, "last error: %s\n", st.LastError)
			}
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List devices known to the adb server",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(ipc.Request{Command: ipc.CmdDevices})
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), resp.Devices)
			}
			out := cmd.OutOrStdout()
			if len(resp.Devices) == 0 {
				fmt.Fprintln(out, "No devices connected")
				return nil
			}
			for _, d := range resp.Devices {
				fmt.Fprintf(out, "%-24s %-8s %-8s %-16s %s\n", d.Serial, d.State, d.Transport, d.IPAddress, d.UserIdentifier)
			}
			return nil
		},
	}
}

func forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Forget the remembered TCP/IP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(ipc.Request{Command: ipc.CmdForget})
			if err != nil {
				return err
			}
			if resp.Forgot {
				fmt.Fprintln(cmd.OutOrStdout(), "Remembered connection forgotten")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "no remembered connection")
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent connect and reconnect outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(ipc.Request{Command: ipc.CmdHistory, Limit: limit})
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), resp.History)
			}
			for _, e := range resp.History {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-16s %s\n",
					time.UnixMilli(e.Timestamp).Format("2006-01-02 15:04:05"), e.Kind, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of entries")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the Model Context Protocol on stdio, backed by the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			// stdout carries the protocol
			logCfg := logger.DefaultLogConfig()
			logCfg.Output = os.Stderr
			logCfg.Level = logger.ParseLevel(cfg.Log.Level)
			logger.InitLogger(logCfg)

			server := mcp.NewMCPServer(mcp.NewDaemonApp(cfg.IPC.Socket, version))
			return server.Start()
		},
	}
}

func call(req ipc.Request) (*ipc.Response, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ipc.Call(ctx, cfg.IPC.Socket, req)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
