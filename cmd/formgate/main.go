package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/glazeware/formgate/internal/version"
)

var (
	home, _       = os.UserHomeDir()
	defaultDBPath = filepath.Join(home, ".formgate", "uploads.db")
)

var (
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:     "formgate",
	Short:   "Resumable chunked uploads with form-submission gating",
	Version: version.Detailed(),
}

func init() {
	rootCmd.PersistentFlags().String("db", defaultDBPath, "upload state database")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.AddCommand(uploadCmd, statusCmd)
}

func main() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	for _, arg := range os.Args[1:] {
		if arg == "-v" || arg == "--verbose" {
			level = slog.LevelDebug
		}
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(slog.New(handler))
}

func loadSettings(cmd *cobra.Command) error {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.AddConfigPath(filepath.Join(home, ".formgate"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	// not every subcommand defines every flag
	for key, flag := range map[string]string{
		"db":         "db",
		"endpoint":   "endpoint",
		"mode":       "mode",
		"chunk_size": "chunk-size",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil {
			viper.BindPFlag(key, f)
		}
	}

	viper.SetEnvPrefix("FORMGATE")
	viper.AutomaticEnv()
	return nil
}
