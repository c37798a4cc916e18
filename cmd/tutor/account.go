package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abishek-ctrl/tutor-ed/internal/account"
)

var errNotLoggedIn = errors.New("not logged in; run `tutor login --name NAME --email EMAIL`")

func loadAccount() (*account.Context, error) {
	return account.Load(db)
}

// currentUser returns the signed-in user or errNotLoggedIn.
func currentUser() (*account.Context, account.User, error) {
	acct, err := loadAccount()
	if err != nil {
		return nil, account.User{}, err
	}
	u, ok := acct.Current()
	if !ok {
		return acct, u, errNotLoggedIn
	}
	return acct, u, nil
}

func loginCmd() *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in as the user whose sessions the terminal client uses",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := loadAccount()
			if err != nil {
				return err
			}
			if err := acct.Login(account.User{Name: name, Email: email}); err != nil {
				return err
			}
			u, _ := acct.Current()
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s <%s>\n", u.Name, u.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Your name")
	cmd.Flags().StringVar(&email, "email", "", "Your email; it keys your sessions")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out; sessions stay on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := loadAccount()
			if err != nil {
				return err
			}
			if err := acct.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func muteCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "mute [on|off]",
		Short:     "Show or set whether replies are spoken",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := loadAccount()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				switch args[0] {
				case "on":
					err = acct.SetMuted(true)
				case "off":
					err = acct.SetMuted(false)
				default:
					return fmt.Errorf("expected on or off, got %q", args[0])
				}
				if err != nil {
					return err
				}
			}
			state := "off"
			if acct.Muted() {
				state = "on"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Mute is %s\n", state)
			return nil
		},
	}
}
