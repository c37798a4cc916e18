package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/abishek-ctrl/tutor-ed/internal/audio"
	"github.com/abishek-ctrl/tutor-ed/internal/capture"
	"github.com/abishek-ctrl/tutor-ed/internal/conversation"
	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/tutor"
	"github.com/abishek-ctrl/tutor-ed/internal/tutorapi"
)

func listenCmd() *cobra.Command {
	var (
		sessionID string
		outDir    string
		input     string
		short     bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Talk to the tutor from a raw PCM stream",
		Long: `Reads 16 kHz mono PCM16LE from stdin (or --input) in real time, cuts it
into utterances at two seconds of silence and answers each one.

Example:
  arecord -q -f S16_LE -r 16000 -c 1 -t raw | tutor listen

Spoken replies are written as WAV files to --out unless mute is on.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, user, err := currentUser()
			if err != nil {
				return err
			}
			store, err := sessionstore.Load(db, user.Email)
			if err != nil {
				return err
			}
			sessionID, err = pickSession(store, sessionID)
			if err != nil {
				return err
			}

			var src io.Reader = os.Stdin
			if input != "" && input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}

			api := tutorapi.NewClient(cfg.TutorAPIBase, cfg.TutorVoice)
			tc, err := tutorConfig(cfg, api)
			if err != nil {
				return err
			}
			tc.ShortAnswer = short
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			tc.Player = &filePlayer{dir: outDir}

			out := cmd.OutOrStdout()
			t := tutor.New(tc, store, user, tutor.Events{
				OnMessage: func(_ string, m sessionstore.Message) {
					fmt.Fprintf(out, "%s: %s\n", speaker(m.Role), m.Text)
				},
				OnNotice: func(text string) { fmt.Fprintln(cmd.ErrOrStderr(), text) },
			})
			t.SetMuted(acct.Muted())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			mic := audio.NewReaderInput(src, audio.SampleRate, captureConfig(cfg).WindowSize)
			engine := capture.NewEngine(mic, captureConfig(cfg), capture.Events{
				OnState: func(s capture.State) {
					if s == capture.Recording {
						fmt.Fprintln(cmd.ErrOrStderr(), "listening...")
					}
				},
			})
			fmt.Fprintf(cmd.ErrOrStderr(), "session %s, Ctrl-C to quit\n", sessionID)
			return listenLoop(ctx, engine, t, sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session to continue (default: newest, created if none)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "replies", "Directory for spoken replies")
	cmd.Flags().StringVarP(&input, "input", "i", "-", "Raw PCM file, - for stdin")
	cmd.Flags().BoolVar(&short, "short-answers", true, "Ask the tutor for short, spoken-style answers")
	return cmd
}

// pickSession returns id if it exists, else the newest session, creating
// one when the user has none.
func pickSession(store *sessionstore.Store, id string) (string, error) {
	if id != "" {
		if _, ok := store.Get(id); !ok {
			return "", fmt.Errorf("session %s not found", id)
		}
		return id, nil
	}
	if list := store.Sessions(); len(list) > 0 {
		return list[0].ID, nil
	}
	s, err := store.Create(sessionstore.Draft{Name: conversation.DefaultSessionName})
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

type segmentCapturer interface {
	Capture(ctx context.Context) (capture.Segment, error)
}

type segmentHandler interface {
	HandleSegment(ctx context.Context, sessionID string, seg capture.Segment) (tutor.Turn, error)
}

// listenLoop answers utterances until the input ends or ctx is done.
func listenLoop(ctx context.Context, engine segmentCapturer, t segmentHandler, sessionID string) error {
	for {
		seg, err := engine.Capture(ctx)
		switch {
		case errors.Is(err, capture.ErrDeviceUnavailable):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		}
		if seg.Chunks == 0 {
			continue
		}
		_, err = t.HandleSegment(ctx, sessionID, seg)
		var remote *tutor.RemoteError
		switch {
		case err == nil, errors.Is(err, tutor.ErrNoSpeech), errors.As(err, &remote):
		default:
			return err
		}
	}
}

// filePlayer writes each reply chunk to a numbered WAV file.
type filePlayer struct {
	dir string
	n   atomic.Int64
}

func (p *filePlayer) Play(ctx context.Context, wav []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := filepath.Join(p.dir, fmt.Sprintf("reply-%s-%03d.wav", time.Now().Format("150405"), p.n.Add(1)))
	if err := os.WriteFile(name, wav, 0o644); err != nil {
		return err
	}
	log.Printf("wrote %s", name)
	return nil
}
