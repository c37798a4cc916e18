package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/abishek-ctrl/tutor-ed/internal/conversation"
	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"s"},
		Short:   "Manage the signed-in user's sessions",
	}
	cmd.AddCommand(
		sessionsListCmd(),
		sessionsNewCmd(),
		sessionsShowCmd(),
		sessionsDeleteCmd(),
	)
	return cmd
}

func userStore() (*sessionstore.Store, error) {
	_, u, err := currentUser()
	if err != nil {
		return nil, err
	}
	return sessionstore.Load(db, strings.ToLower(u.Email))
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := userStore()
			if err != nil {
				return err
			}
			list := store.Sessions()
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions yet")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tMESSAGES\tCREATED")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.Name, len(s.Messages), s.Created().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func sessionsNewCmd() *cobra.Command {
	var docs []string
	cmd := &cobra.Command{
		Use:   "new [name]",
		Short: "Create a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := userStore()
			if err != nil {
				return err
			}
			name := conversation.DefaultSessionName
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				name = args[0]
			}
			s, err := store.Create(sessionstore.Draft{Name: name, SelectedDocs: docs})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.ID)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&docs, "docs", nil, "Documents the tutor should answer from")
	return cmd
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := userStore()
			if err != nil {
				return err
			}
			s, ok := store.Get(args[0])
			if !ok {
				return fmt.Errorf("session %s not found", args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", s.Name, s.Created().Format(time.DateTime))
			if len(s.SelectedDocs) > 0 {
				fmt.Fprintf(out, "docs: %s\n", strings.Join(s.SelectedDocs, ", "))
			}
			for _, m := range s.Messages {
				fmt.Fprintf(out, "%s: %s\n", speaker(m.Role), m.Text)
			}
			return nil
		},
	}
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a session",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := userStore()
			if err != nil {
				return err
			}
			ok, err := store.Delete(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session %s not found", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Deleted", args[0])
			return nil
		},
	}
}

func speaker(r sessionstore.Role) string {
	if r == sessionstore.RoleAssistant {
		return "tutor"
	}
	return "you"
}
