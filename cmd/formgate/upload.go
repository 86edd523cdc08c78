package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/glazeware/formgate/internal/bytesource"
	"github.com/glazeware/formgate/internal/engine"
	"github.com/glazeware/formgate/internal/progress"
	"github.com/glazeware/formgate/internal/store"
	"github.com/glazeware/formgate/internal/upload"
)

var uploadCmd = &cobra.Command{
	Use:   "upload [files...]",
	Short: "Upload files, resuming any transfer interrupted on a previous run",
	Args:  cobra.MinimumNArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadSettings(cmd)
	},
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().StringP("endpoint", "e", "", "upload endpoint URL")
	uploadCmd.Flags().StringP("mode", "m", "staged", "wire protocol: staged or simple")
	uploadCmd.Flags().String("chunk-size", "8MiB", "staged chunk size (e.g. 5MiB)")
	uploadCmd.Flags().StringP("session", "s", "cli", "session identifier")
	uploadCmd.Flags().String("input", "files", "form input name for the uploaded files")
}

func runUpload(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	chunkSize, err := humanize.ParseBytes(viper.GetString("chunk_size"))
	if err != nil {
		return fmt.Errorf("parse chunk size: %w", err)
	}

	cfg, err := engine.ResolveConfig(engine.Declaration{
		Mode:      viper.GetString("mode"),
		Endpoint:  viper.GetString("endpoint"),
		ChunkSize: int64(chunkSize),
	})
	if err != nil {
		return err
	}

	st := store.New(viper.GetString("db"))
	if err := st.Open(); err != nil {
		return err
	}
	defer st.Close()

	board := progress.NewBoard()
	changed := make(chan struct{}, 1)
	board.OnChange = func(progress.Entry) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	eng := engine.New(st, board, nil)

	sessionID, _ := cmd.Flags().GetString("session")
	inputName, _ := cmd.Flags().GetString("input")
	session := eng.Session(sessionID, cfg)

	for i, path := range args {
		src, err := bytesource.NewFileSource(path)
		if err != nil {
			return err
		}
		defer src.Close()
		key := upload.Key{InputName: inputName, FileIndex: i}
		if _, err := session.AddFile(key, src); err != nil {
			fmt.Printf("%s %s: %v\n", red("✗"), path, err)
		}
	}

	if err := waitForUploads(cmd.Context(), session, changed); err != nil {
		return err
	}

	// the gate is how the host form would read out the results
	result := eng.Gate(cmd.Context(), &upload.FormSubmission{
		SessionID: sessionID,
		Method:    "POST",
		ActionURL: cfg.Endpoint,
		Payload:   url.Values{},
	})
	if result.Blocked {
		return fmt.Errorf("uploads did not complete: %s", result.Reason)
	}

	for _, entry := range board.ListSession(sessionID) {
		fmt.Printf("%s %s (%s)\n", green("✓"), entry.Name, humanize.Bytes(uint64(entry.Size)))
	}
	for name, ids := range result.Payload {
		for _, id := range ids {
			fmt.Printf("  %s = %s\n", cyan(name), id)
		}
	}

	session.Clear()
	return nil
}

func waitForUploads(ctx context.Context, session *engine.Session, changed <-chan struct{}) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		done := true
		for _, f := range session.Files() {
			if !f.Status().Terminal() {
				done = false
				break
			}
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-ticker.C:
		}
	}
}
