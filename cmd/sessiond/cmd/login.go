package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/brightpath/sessiond/internal/identity"
)

var loginCmd = &cobra.Command{
	Use:   "login [email]",
	Short: "Sign in and resolve the identity",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := ""
		if len(args) == 1 {
			email = args[0]
		}
		if email == "" {
			fmt.Print("email: ")
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read email: %w", err)
			}
			email = strings.TrimSpace(line)
		}

		fmt.Print("password: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}

		c, err := buildCore()
		if err != nil {
			return err
		}
		defer c.close()

		c.sessions.Start(cmd.Context())
		waitForResolution(c, cfg.HardDeadline)

		if err := c.sessions.SignIn(cmd.Context(), email, string(secret)); err != nil {
			switch {
			case errors.Is(err, identity.ErrInvalidCredential):
				return fmt.Errorf("invalid email or password")
			case errors.Is(err, identity.ErrNetworkTimeout):
				return fmt.Errorf("identity provider unreachable")
			default:
				return err
			}
		}

		waitForResolution(c, cfg.HardDeadline)

		snapshot := c.sessions.Snapshot()
		if snapshot.Err != nil {
			return fmt.Errorf("signed in but not authorized to use this system")
		}
		if snapshot.Identity == nil {
			return fmt.Errorf("sign-in did not produce an identity")
		}
		fmt.Printf("signed in as %s (%s)\n", snapshot.Identity.Email, snapshot.Identity.Role)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
