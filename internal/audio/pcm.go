// Package audio implements capture inputs over raw PCM sources and the
// small amount of PCM/WAV plumbing the transports need.
package audio

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// SampleRate is the rate every built-in input delivers: 16 kHz mono PCM16LE.
const SampleRate = 16000

// L16 returns the encoding identifier of mono PCM16LE at rate.
func L16(rate int) string { return fmt.Sprintf("audio/L16;rate=%d;channels=1", rate) }

// ParseL16 extracts the sample rate and channel count from an L16 encoding.
func ParseL16(enc string) (rate, channels int, ok bool) {
	parts := strings.Split(enc, ";")
	if strings.TrimSpace(parts[0]) != "audio/L16" {
		return 0, 0, false
	}
	rate, channels = SampleRate, 1
	for _, p := range parts[1:] {
		k, v, found := strings.Cut(strings.TrimSpace(p), "=")
		if !found {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, false
		}
		switch k {
		case "rate":
			rate = n
		case "channels":
			channels = n
		}
	}
	return rate, channels, true
}

// PCMStream is a capture.Stream fed by Write. It forwards every chunk
// untouched and keeps a ring of the latest samples for level analysis.
type PCMStream struct {
	rate int

	mu      sync.Mutex
	ring    []float32
	pos     int
	filled  int
	carry   []byte
	chunks  chan []byte
	closed  bool
	onClose func()
}

// NewPCMStream returns a stream whose analysis window holds window samples.
func NewPCMStream(rate, window int) *PCMStream {
	if window <= 0 {
		window = 2048
	}
	return &PCMStream{
		rate:   rate,
		ring:   make([]float32, window),
		chunks: make(chan []byte, 256),
	}
}

// Write appends a PCM16LE chunk. It reports false once the stream is closed.
func (s *PCMStream) Write(pcm []byte) bool {
	if len(pcm) == 0 {
		return true
	}
	b := make([]byte, len(pcm))
	copy(b, pcm)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	data := b
	if len(s.carry) > 0 {
		data = append(append([]byte{}, s.carry...), b...)
		s.carry = s.carry[:0]
	}
	n := len(data) / 2
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
		s.ring[s.pos] = float32(v) / 32768
		s.pos = (s.pos + 1) % len(s.ring)
		if s.filled < len(s.ring) {
			s.filled++
		}
	}
	if len(data)%2 == 1 {
		s.carry = append(s.carry, data[len(data)-1])
	}
	// The collector drains this channel without taking s.mu, so a full
	// buffer only stalls the writer briefly.
	s.chunks <- b
	return true
}

func (s *PCMStream) Chunks() <-chan []byte { return s.chunks }

// Window copies up to len(dst) of the most recent samples, oldest first.
func (s *PCMStream) Window(dst []float32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(dst)
	if n > s.filled {
		n = s.filled
	}
	start := (s.pos - n + len(s.ring)) % len(s.ring)
	for i := 0; i < n; i++ {
		dst[i] = s.ring[(start+i)%len(s.ring)]
	}
	return n
}

func (s *PCMStream) Encoding() string { return L16(s.rate) }

// Close stops accepting audio and closes Chunks after whatever is already
// queued. Safe to call more than once.
func (s *PCMStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.chunks)
	cb := s.onClose
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

// Samples decodes PCM16LE into int16 samples.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return out
}

// PCM encodes int16 samples as PCM16LE.
func PCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(v))
	}
	return out
}

// Resample converts mono PCM16LE between rates by linear interpolation.
func Resample(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}
	in := Samples(pcm)
	if len(in) == 0 {
		return nil
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		x := float64(i) * step
		j := int(x)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := x - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return PCM(out)
}
