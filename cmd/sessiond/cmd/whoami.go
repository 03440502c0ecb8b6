package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/brightpath/sessiond/internal/session"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Resolve and print the current identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildCore()
		if err != nil {
			return err
		}
		defer c.close()

		c.sessions.Start(cmd.Context())
		waitForResolution(c, cfg.HardDeadline)

		snapshot := c.sessions.Snapshot()
		if snapshot.Err != nil {
			return fmt.Errorf("not authorized: %w", snapshot.Err)
		}
		if snapshot.Identity == nil {
			fmt.Println("not signed in")
			return nil
		}

		res := snapshot.Identity
		fmt.Printf("id:           %s\n", res.ID)
		fmt.Printf("email:        %s\n", res.Email)
		fmt.Printf("display name: %s\n", res.DisplayName)
		fmt.Printf("role:         %s\n", res.Role)
		fmt.Printf("source:       %s\n", res.Source)
		if res.Degraded {
			fmt.Println("note: authorization check unavailable, admin capabilities withheld")
		}
		return nil
	},
}

// waitForResolution blocks until loading goes false or the deadline passes.
// The hard deadline inside the session context guarantees termination; the
// extra margin covers scheduling.
func waitForResolution(c *core, deadline time.Duration) {
	done := make(chan struct{}, 1)
	cancel := c.sessions.Subscribe(func(snapshot session.Snapshot) {
		if !snapshot.Loading {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	if !c.sessions.Loading() {
		return
	}

	select {
	case <-done:
	case <-time.After(deadline + 500*time.Millisecond):
	}
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}
