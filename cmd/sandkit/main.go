package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandkit/sandkit"
	"github.com/sandkit/sandkit/mirror"
)

const version = "0.3.0"

var (
	cfgPath    string
	debugMode  bool
	firewalled bool
	timeout    time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sandkit: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "sandkit",
	Short:         "Control a remote sandboxed workspace",
	Long:          "sandkit connects to a remote workspace over its channel-multiplexed protocol and exposes its shell, runner, files, and package manager from the command line.",
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if debugMode {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.sandkit.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&firewalled, "firewalled", false, "deny the sandbox outbound network access")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "command timeout")

	fileCmd.AddCommand(fileReadCmd, fileWriteCmd, fileListCmd)
	rootCmd.AddCommand(execCmd, runCmd, stopCmd, persistCmd, fileCmd, mirrorCmd)
}

// connect builds a client from configuration and brings the session up.
func connect(ctx context.Context) (*sandkit.Client, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	client := sandkit.New(sandkit.Config{
		Token:       cfg.Token,
		WorkspaceID: cfg.Workspace,
		APIURL:      cfg.APIURL,
		Logger:      slog.Default(),
	})
	if err := client.Connect(ctx, firewalled); err != nil {
		return nil, err
	}
	return client, nil
}

var execCmd = &cobra.Command{
	Use:   "exec -- <command> [args...]",
	Short: "Run a shell command in the workspace and print its output",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		out, ran, err := client.ExecCommand(ctx, strings.Join(args, " "), timeout)
		if err != nil {
			return err
		}
		if !ran {
			return fmt.Errorf("workspace does not support shell execution")
		}
		fmt.Println(out)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Trigger the workspace's run target and stream its output",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		ok, err := client.RunMainStream(ctx, os.Stdout)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("workspace does not support running")
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop whatever the workspace is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		sent, err := client.StopCommand(ctx)
		if err != nil {
			return err
		}
		if !sent {
			return fmt.Errorf("workspace does not support running")
		}
		fmt.Println("stop requested")
		return nil
	},
}

var persistCmd = &cobra.Command{
	Use:   "persist",
	Short: "Ask the workspace to durably save its filesystem",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		ok, err := client.Persist(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("workspace declined to persist")
		}
		fmt.Println("persisted")
		return nil
	},
}

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Read, write, and list workspace files",
}

var fileReadCmd = &cobra.Command{
	Use:   "read <path>",
	Short: "Print a workspace file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		content, err := client.ReadFile(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Print(content)
		return nil
	},
}

var fileWriteCmd = &cobra.Command{
	Use:   "write <path> <local-file>",
	Short: "Upload a local file to the workspace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}

		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		return client.WriteFile(ctx, args[0], string(data))
	},
}

var fileListCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a workspace directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := "."
		if len(args) == 1 {
			path = args[0]
		}

		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		entries, err := client.List(ctx, path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir {
				fmt.Printf("%s/\n", e.Name)
			} else {
				fmt.Printf("%s\t%d\n", e.Name, e.Size)
			}
		}
		return nil
	},
}

var mirrorCmd = &cobra.Command{
	Use:   "mirror <local-dir> [remote-dir]",
	Short: "Push local file changes into the workspace until interrupted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		remoteDir := "."
		if len(args) == 2 {
			remoteDir = args[1]
		}

		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		m := mirror.New(client, slog.Default())
		if err := m.Watch(ctx, args[0], remoteDir); err != nil {
			return err
		}
		defer m.Shutdown()

		fmt.Fprintf(os.Stderr, "mirroring %s; press ctrl-c to stop\n", args[0])
		<-ctx.Done()
		return nil
	},
}
