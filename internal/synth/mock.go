package synth

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/loqalabs/loqa-voicebridge/internal/playback"
)

type mockSynth struct {
	dir   string
	delay time.Duration
}

// NewMockSynth writes a short silent WAV for every request.
func NewMockSynth(dir string, delay time.Duration) Synthesizer {
	return &mockSynth{dir: dir, delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (*playback.Clip, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrSynthesis, ctx.Err())
	case <-time.After(m.delay):
	}

	f, err := os.CreateTemp(m.dir, "voicebridge-*.wav")
	if err != nil {
		return nil, fmt.Errorf("%w: create clip: %v", ErrSynthesis, err)
	}
	defer f.Close()
	if _, err := f.Write(silentWAV(22050, 200*time.Millisecond)); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("%w: write clip: %v", ErrSynthesis, err)
	}
	return playback.NewClip(f.Name(), "wav", req.Voice), nil
}

// silentWAV builds a mono 16-bit PCM WAV of the given length.
func silentWAV(sampleRate int, length time.Duration) []byte {
	samples := int(length.Seconds() * float64(sampleRate))
	dataSize := samples * 2
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(make([]byte, dataSize))
	return buf.Bytes()
}
