// Package wavio reads and writes mono 16-bit PCM WAV, the interchange
// format between engines, effects, and the compiler.
package wavio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// Decode reads a WAV stream into integer samples and its sample rate.
func Decode(r io.ReadSeeker) ([]int, int, error) {
	dec := wav.NewDecoder(r)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return nil, 0, fmt.Errorf("decode wav: missing format")
	}
	return buf.Data, buf.Format.SampleRate, nil
}

// DecodeBytes decodes an in-memory WAV file.
func DecodeBytes(data []byte) ([]int, int, error) {
	return Decode(bytes.NewReader(data))
}

// Encode writes samples as a mono 16-bit WAV stream.
func Encode(w io.WriteSeeker, samples []int, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, bitDepth, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

// EncodeBytes encodes samples into an in-memory WAV file.
func EncodeBytes(samples []int, sampleRate int) ([]byte, error) {
	var buf seekBuffer
	if err := Encode(&buf, samples, sampleRate); err != nil {
		return nil, err
	}
	return buf.data, nil
}

// seekBuffer is an in-memory WriteSeeker; the wav encoder seeks back to
// patch the header once sizes are known.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.data) {
		grown := make([]byte, need)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int
	switch whence {
	case io.SeekStart:
		next = int(offset)
	case io.SeekCurrent:
		next = b.pos + int(offset)
	case io.SeekEnd:
		next = len(b.data) + int(offset)
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("seek: negative position")
	}
	b.pos = next
	return int64(next), nil
}
