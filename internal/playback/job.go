package playback

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPlayback marks a clip that the transport failed to render.
var ErrPlayback = errors.New("playback failed")

// Clip is a synthesized audio file waiting to be played. Release deletes the
// file; it is safe to call more than once and from several goroutines.
type Clip struct {
	Path   string
	Format string
	Voice  string

	once       sync.Once
	releaseErr error
}

// NewClip wraps an audio file on disk.
func NewClip(path, format, voice string) *Clip {
	return &Clip{Path: path, Format: format, Voice: voice}
}

// Release removes the backing file. Missing files are not an error.
func (c *Clip) Release() error {
	if c == nil {
		return nil
	}
	c.once.Do(func() {
		if c.Path == "" {
			return
		}
		if err := os.Remove(c.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.releaseErr = err
		}
	})
	return c.releaseErr
}

// Job is one unit of synthesized audio queued for a room.
type Job struct {
	ID         string
	RoomID     string
	Speaker    uint64
	Clip       *Clip
	EnqueuedAt time.Time
}

// NewJob builds a job with a fresh id.
func NewJob(roomID string, speaker uint64, clip *Clip) Job {
	return Job{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		Speaker:    speaker,
		Clip:       clip,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Transport is a room's audio output, owned by exactly one session.
type Transport interface {
	RoomID() string
	// ChannelID is the voice channel the transport is connected to.
	ChannelID() string
	IsConnected() bool
	IsPlaying() bool
	// Play starts rendering the clip and returns without waiting for it to end.
	Play(job Job) error
	Disconnect(ctx context.Context) error
}

// Connector opens transports.
type Connector interface {
	Connect(ctx context.Context, roomID, channelID string) (Transport, error)
}
