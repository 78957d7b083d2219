package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"

	"pds/internal/config"
	"pds/internal/serverconfig"

	"github.com/spf13/cobra"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("pds failed", "err", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	rootCmd := &cobra.Command{
		Use:           "pds",
		Short:         "Product delegation server executing scan products as local processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "daemon config file - default is pds.yaml in ./configs or the current directory")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "run the execution engine, trigger loop and admin api",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), flags)
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "validate the daemon and server configuration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return checkConfig(cmd.OutOrStdout(), flags)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "print the version of pds",
			Run: func(cmd *cobra.Command, _ []string) {
				printVersion(cmd.OutOrStdout())
			},
		},
	)
	return rootCmd
}

func checkConfig(w io.Writer, flags rootFlags) error {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return err
	}
	serverCfg, err := serverconfig.Load(cfg.Server.ConfigFile)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "server id:   %s\n", serverCfg.ServerID)
	fmt.Fprintf(w, "repository:  %s\n", cfg.Repository.Type)
	fmt.Fprintf(w, "workers:     %d (queue max %d)\n", cfg.Execution.WorkerCount, cfg.Execution.QueueMax)
	for _, p := range serverCfg.Products {
		fmt.Fprintf(w, "product:     %s -> %s\n", p.ID, p.Path)
	}
	fmt.Fprintln(w, "configuration ok")
	return nil
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "pds:    %s\n", version)
	info, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Fprintln(w, "build info not available")
		return
	}
	fmt.Fprintf(w, "go:     %s\n", info.GoVersion)
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			fmt.Fprintf(w, "commit: %s\n", s.Value)
		case "vcs.time":
			fmt.Fprintf(w, "date:   %s\n", s.Value)
		case "vcs.modified":
			fmt.Fprintf(w, "dirty:  %s\n", s.Value)
		}
	}
}
