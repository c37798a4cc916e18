package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/abishek-ctrl/tutor-ed/internal/capture"
)

var ErrNotWAV = errors.New("audio: not a PCM16 WAV file")

// EncodeWAV wraps PCM16LE in a canonical 44-byte RIFF header.
func EncodeWAV(pcm []byte, rate, channels int) []byte {
	if channels <= 0 {
		channels = 1
	}
	var b bytes.Buffer
	b.Grow(44 + len(pcm))
	blockAlign := channels * 2
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+len(pcm)))
	b.WriteString("WAVEfmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate*blockAlign))
	_ = binary.Write(&b, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}

// DecodeWAV returns the PCM payload of a 16-bit PCM WAV file. Chunks other
// than fmt and data are skipped.
func DecodeWAV(b []byte) (pcm []byte, rate, channels int, err error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, 0, 0, ErrNotWAV
	}
	var haveFmt bool
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(b) || size < 0 {
			// Streaming encoders sometimes leave the data size unset.
			if id == "data" && haveFmt {
				return b[body:], rate, channels, nil
			}
			return nil, 0, 0, fmt.Errorf("%w: truncated %q chunk", ErrNotWAV, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			format := binary.LittleEndian.Uint16(b[body : body+2])
			channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			rate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(b[body+14 : body+16])
			if format != 1 || bits != 16 {
				return nil, 0, 0, fmt.Errorf("%w: format %d, %d bits", ErrNotWAV, format, bits)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, 0, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			return b[body:end], rate, channels, nil
		}
		off = end + size%2
	}
	return nil, 0, 0, fmt.Errorf("%w: no data chunk", ErrNotWAV)
}

// SegmentWAV returns seg as a WAV file, wrapping raw L16 audio in a header
// and passing WAV segments through.
func SegmentWAV(seg capture.Segment) ([]byte, error) {
	if seg.Encoding == "audio/wav" || seg.Encoding == "audio/x-wav" {
		return seg.Data, nil
	}
	rate, channels, ok := ParseL16(seg.Encoding)
	if !ok {
		return nil, fmt.Errorf("audio: cannot convert %q to wav", seg.Encoding)
	}
	return EncodeWAV(seg.Data, rate, channels), nil
}
