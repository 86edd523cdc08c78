package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/glazeware/formgate/internal/store"
	"github.com/glazeware/formgate/internal/upload"
)

var statusCmd = &cobra.Command{
	Use:   "status [session]",
	Short: "Show persisted upload state for a session",
	Args:  cobra.MaximumNArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadSettings(cmd)
	},
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	sessionID := "cli"
	if len(args) > 0 {
		sessionID = args[0]
	}

	st := store.New(viper.GetString("db"))
	if err := st.Open(); err != nil {
		return err
	}
	defer st.Close()

	snaps, err := st.ListFileRecords(sessionID)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Printf("no upload state for session %q\n", sessionID)
		return nil
	}

	for _, snap := range snaps {
		marker := cyan("…")
		switch snap.Status {
		case upload.StatusCompleted:
			marker = green("✓")
		case upload.StatusFailed:
			marker = red("✗")
		}
		fmt.Printf("%s %-10s %s (%s) %d/%d chunks %.0f%%\n",
			marker, snap.Status, snap.Name, humanize.Bytes(uint64(snap.Size)),
			snap.UploadedChunks, snap.Total, snap.Progress()*100)
		if snap.LastError != "" {
			fmt.Printf("    %s\n", red(snap.LastError))
		}
	}

	if pending, err := st.GetPendingSubmission(sessionID); err == nil && pending != nil {
		fmt.Printf("pending submission: %s %s (captured %s)\n",
			pending.Method, pending.ActionURL, humanize.Time(pending.CapturedAt))
	}

	return nil
}
