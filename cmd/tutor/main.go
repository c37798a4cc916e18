// Command tutor runs the AI tutor server and a terminal client for the
// same session store.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/abishek-ctrl/tutor-ed/internal/config"
	"github.com/abishek-ctrl/tutor-ed/internal/kv"
)

var (
	cfg    config.Config
	dbPath string
	db     *kv.SQLite
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tutor",
		Short:         "AI tutor with hands-free voice capture",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Load()
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			var err error
			db, err = kv.OpenSQLite(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open %s: %w", cfg.DBPath, err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if db != nil {
				_ = db.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (default $TUTOR_DB_PATH or tutor.db)")

	root.AddCommand(
		serveCmd(),
		loginCmd(),
		logoutCmd(),
		muteCmd(),
		sessionsCmd(),
		listenCmd(),
	)
	return root
}
