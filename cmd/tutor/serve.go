package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/abishek-ctrl/tutor-ed/internal/httpserver"
	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/tutorapi"
)

func serveCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP, voice, WebRTC and Twilio endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			api := tutorapi.NewClient(cfg.TutorAPIBase, cfg.TutorVoice)
			tc, err := tutorConfig(cfg, api)
			if err != nil {
				return err
			}
			tc.ShortAnswer = short

			srv := httpserver.New(cfg, httpserver.Services{
				Sessions: sessionstore.NewRegistry(db),
				Docs:     api,
				Tutor:    tc,
				Capture:  captureConfig(cfg),
			})

			server := &http.Server{
				Addr:              cfg.HTTPAddress,
				Handler:           srv.Router,
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			// Start server in background
			serverErrors := make(chan error, 1)
			go func() {
				log.Printf("server listening on %s", cfg.HTTPAddress)
				serverErrors <- server.ListenAndServe()
			}()

			// Graceful shutdown
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-serverErrors:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			case sig := <-sigChan:
				log.Printf("shutdown signal received: %v", sig)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				log.Printf("graceful shutdown failed: %v", err)
				_ = server.Close()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short-answers", true, "Ask the tutor for short, spoken-style answers")
	return cmd
}
