package synth

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-voicebridge/internal/playback"
)

// ErrSynthesis marks a failed text-to-speech call.
var ErrSynthesis = errors.New("synthesis failed")

// Request contains parameters to synthesize speech.
type Request struct {
	Text  string
	Voice string
}

// Synthesizer turns text into an audio clip on disk. The caller owns the
// returned clip and must release it.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (*playback.Clip, error)
}
