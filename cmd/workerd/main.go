package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"

	"github.com/CZERTAINLY/workerd/internal/model"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/workerd on given OS
	configPath     string // config file used, it may not exist
	config         model.Config
	configErr      error // load failure, reported once logging is up

	flagConfigFilePath string // value of --config flag
	flagForce          bool   // value of config init --force flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = "."
	}
	userConfigPath = filepath.Join(d, "workerd")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is workerd.yaml in current directory, config/ or "+userConfigPath)

	// never print messages
	rootCmd.SilenceErrors = true

	// load the configuration, defaults on failure
	rootCmd.PersistentPreRunE = initWorkerd

	configInitCmd.Flags().BoolVar(&flagForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	err := rootCmd.ExecuteContext(context.Background())
	var exit exitError
	switch {
	case err == nil:
	case errors.As(err, &exit):
		os.Exit(exit.code)
	default:
		slog.Error("workerd failed", "err", err)
		os.Exit(1)
	}
}

// exitError ends the process with code once everything was flushed.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return "exit status " + strconv.Itoa(e.code)
}

var rootCmd = &cobra.Command{
	Use:          "workerd",
	Short:        "Supervised pool of workers with rotating logs",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the workers and supervises them until SIGINT or SIGTERM",
	RunE:  doRun,
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "query runs the resource worker once against the configured store",
	RunE:  doQuery,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "init writes the default configuration to the --config path",
	RunE:  doConfigInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a workerd",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			_, _ = fmt.Fprintln(out, "workerd: version info not available")
			return
		}

		if configPath != "" {
			_, _ = fmt.Fprintf(out, "config:  %s\n", configPath)
		}
		_, _ = fmt.Fprintf(out, "workerd: %s\n", info.Main.Version)
		_, _ = fmt.Fprintf(out, "go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				_, _ = fmt.Fprintf(out, "commit:  %s\n", s.Value)
			case "vcs.time":
				_, _ = fmt.Fprintf(out, "date:    %s\n", s.Value)
			case "vcs.modified":
				_, _ = fmt.Fprintf(out, "dirty:   %s\n", s.Value)
			}
		}
		_, _ = fmt.Fprintln(out)
	},
}

func initWorkerd(_ *cobra.Command, _ []string) error {
	configPath = resolveConfigPath()
	doc, err := model.Init(configPath)
	configErr = err
	config = model.NewConfig(doc)
	return nil
}

func resolveConfigPath() string {
	if envConfig, ok := os.LookupEnv("WORKERDCONFIG"); ok {
		return envConfig
	}
	if flagConfigFilePath != "" {
		return flagConfigFilePath
	}
	candidates := []string{
		"workerd.yaml",
		filepath.Join("config", "workerd.yaml"),
		filepath.Join(userConfigPath, "workerd.yaml"),
	}
	for _, path := range candidates {
		if exists(path) {
			return path
		}
	}
	return candidates[1]
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
