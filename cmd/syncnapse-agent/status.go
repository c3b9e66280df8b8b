package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status of the running agent",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&controlAddr, "addr", "", "Agent address (overrides SYNCNAPSE_AGENT_ADDR)")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := newControlClient()

	var snap struct {
		IsSyncing          bool       `json:"is_syncing"`
		LastSyncedAt       *time.Time `json:"last_synced_at"`
		SyncError          string     `json:"sync_error"`
		Pending            int        `json:"pending"`
		AwaitingResolution int        `json:"awaiting_resolution"`
	}
	if err := client.call("GET", "/status", &snap); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), snap)
	}

	out := cmd.OutOrStdout()
	state := "idle"
	if snap.IsSyncing {
		state = "syncing"
	}
	fmt.Fprintf(out, "State:               %s\n", state)
	if snap.LastSyncedAt != nil {
		fmt.Fprintf(out, "Last synced:         %s\n", snap.LastSyncedAt.Local().Format("2006-01-02 15:04:05"))
	} else {
		fmt.Fprintf(out, "Last synced:         never\n")
	}
	fmt.Fprintf(out, "Pending mutations:   %d\n", snap.Pending)
	fmt.Fprintf(out, "Awaiting resolution: %d\n", snap.AwaitingResolution)
	if snap.SyncError != "" {
		fmt.Fprintf(out, "Last error:          %s\n", snap.SyncError)
	}
	return nil
}
