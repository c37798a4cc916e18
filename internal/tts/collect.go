package tts

import (
	"context"

	"github.com/abishek-ctrl/tutor-ed/internal/audio"
)

// SampleRate is the rate both synthesizers stream at.
const SampleRate = 48000

// collectWAV drains a PCM stream into a WAV file. The first stream error
// wins; a stream that produced no audio is an error only if one was sent.
func collectWAV(ctx context.Context, pcmCh <-chan []byte, errCh <-chan error) ([]byte, error) {
	var pcm []byte
	var firstErr error
	openPCM, openErr := true, true
	for openPCM || openErr {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				pcmCh = nil
				continue
			}
			pcm = append(pcm, b...)
		case err, ok := <-errCh:
			if !ok {
				openErr = false
				errCh = nil
				continue
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return audio.EncodeWAV(pcm, SampleRate, 1), nil
}
