package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts awaiting resolution",
	Args:  cobra.NoArgs,
	RunE:  runConflictsList,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id> <local|server>",
	Short: "Resolve a conflict by keeping the local or server copy",
	Args:  cobra.ExactArgs(2),
	RunE:  runConflictsResolve,
}

func init() {
	conflictsCmd.PersistentFlags().StringVar(&controlAddr, "addr", "", "Agent address (overrides SYNCNAPSE_AGENT_ADDR)")
	conflictsCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	client := newControlClient()

	var resp struct {
		Conflicts []struct {
			ID         string    `json:"id"`
			Kind       string    `json:"kind"`
			EntityID   string    `json:"entity_id"`
			LocalDate  time.Time `json:"local_date"`
			ServerDate time.Time `json:"server_date"`
			DetectedAt time.Time `json:"detected_at"`
		} `json:"conflicts"`
	}
	if err := client.call("GET", "/conflicts", &resp); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}

	out := cmd.OutOrStdout()
	if len(resp.Conflicts) == 0 {
		fmt.Fprintln(out, "No conflicts awaiting resolution.")
		return nil
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "ID\tKIND\tENTITY\tLOCAL\tSERVER\tDETECTED")
	for _, c := range resp.Conflicts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID,
			c.Kind,
			c.EntityID,
			c.LocalDate.Local().Format("2006-01-02 15:04"),
			c.ServerDate.Local().Format("2006-01-02 15:04"),
			c.DetectedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	return nil
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	id, choice := args[0], args[1]
	if choice != "local" && choice != "server" {
		return fmt.Errorf("choice must be \"local\" or \"server\", got %q", choice)
	}

	client := newControlClient()
	if err := client.callJSON("POST", "/conflicts/"+id, map[string]string{"choice": choice}, nil); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Conflict %s resolved, %s copy kept.\n", id, choice)
	return nil
}
