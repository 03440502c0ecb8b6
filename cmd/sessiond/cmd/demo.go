package cmd

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/brightpath/sessiond/internal/identity"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Sign in as the configured demo identity",
	Long: `Installs the ephemeral demo identity without touching the remote
services. Requires DEMO_EMAIL and DEMO_SECRET_HASH to be configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Demo.Enabled() {
			return fmt.Errorf("demo sign-in not configured (set DEMO_EMAIL and DEMO_SECRET_HASH)")
		}

		fmt.Print("demo secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}

		if err := bcrypt.CompareHashAndPassword([]byte(cfg.Demo.SecretHash), secret); err != nil {
			return fmt.Errorf("invalid demo secret")
		}

		c, err := buildCore()
		if err != nil {
			return err
		}
		defer c.close()

		c.sessions.Start(cmd.Context())
		c.sessions.DemoSignIn(identity.NewDemoIdentity(cfg.Demo.Email, cfg.Demo.Name, identity.NormalizeRole(cfg.Demo.Role)))

		res := c.sessions.Identity()
		fmt.Printf("signed in as %s (%s, ephemeral)\n", res.Email, res.Role)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
}
