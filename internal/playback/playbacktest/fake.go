// Package playbacktest provides in-memory transports and recorders for tests.
package playbacktest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicebridge/internal/playback"
)

// Transport renders nothing; it pretends each clip plays for PlayFor.
type Transport struct {
	mu          sync.Mutex
	room        string
	channel     string
	connected   bool
	playing     bool
	playFor     time.Duration
	failStart   error
	failAfter   map[string]error
	played      []string
	overlaps    int
	disconnects int
	timer       *time.Timer
}

func NewTransport(roomID, channelID string, playFor time.Duration) *Transport {
	return &Transport{
		room:      roomID,
		channel:   channelID,
		connected: true,
		playFor:   playFor,
		failAfter: make(map[string]error),
	}
}

func (t *Transport) RoomID() string    { return t.room }
func (t *Transport) ChannelID() string { return t.channel }

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) IsPlaying() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playing
}

func (t *Transport) Play(job playback.Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.playing {
		t.overlaps++
	}
	if t.failStart != nil {
		err := t.failStart
		t.failStart = nil
		return err
	}
	t.played = append(t.played, job.ID)
	t.playing = true
	t.timer = time.AfterFunc(t.playFor, func() {
		t.mu.Lock()
		t.playing = false
		t.mu.Unlock()
	})
	return nil
}

func (t *Transport) PlayError(jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failAfter[jobID]
}

func (t *Transport) Disconnect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.playing = false
	if t.timer != nil {
		t.timer.Stop()
	}
	t.disconnects++
	return nil
}

// FailNextStart makes the next Play call return err.
func (t *Transport) FailNextStart(err error) {
	t.mu.Lock()
	t.failStart = err
	t.mu.Unlock()
}

// FailDuring makes the clip of jobID report err once it stops playing.
func (t *Transport) FailDuring(jobID string, err error) {
	t.mu.Lock()
	t.failAfter[jobID] = err
	t.mu.Unlock()
}

// DropConnection simulates the bridge losing the voice connection.
func (t *Transport) DropConnection() {
	t.mu.Lock()
	t.connected = false
	t.playing = false
	t.mu.Unlock()
}

// Played returns job ids in the order Play accepted them.
func (t *Transport) Played() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.played...)
}

// Overlaps counts Play calls that arrived while a clip was still playing.
func (t *Transport) Overlaps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overlaps
}

func (t *Transport) Disconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

// Connector hands out fake transports and remembers them by room.
type Connector struct {
	mu         sync.Mutex
	PlayFor    time.Duration
	Err        error
	transports map[string]*Transport
}

func (c *Connector) Connect(_ context.Context, roomID, channelID string) (playback.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	if c.transports == nil {
		c.transports = make(map[string]*Transport)
	}
	t := NewTransport(roomID, channelID, c.PlayFor)
	c.transports[roomID] = t
	return t, nil
}

func (c *Connector) Transport(roomID string) *Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transports[roomID]
}

// Recorder collects scheduler events.
type Recorder struct {
	mu        sync.Mutex
	played    []string
	failed    map[string]error
	discarded map[string]string
}

func NewRecorder() *Recorder {
	return &Recorder{failed: make(map[string]error), discarded: make(map[string]string)}
}

func (r *Recorder) Played(job playback.Job, _ time.Duration) {
	r.mu.Lock()
	r.played = append(r.played, job.ID)
	r.mu.Unlock()
}

func (r *Recorder) Failed(job playback.Job, err error) {
	r.mu.Lock()
	r.failed[job.ID] = err
	r.mu.Unlock()
}

func (r *Recorder) Discarded(job playback.Job, reason string) {
	r.mu.Lock()
	r.discarded[job.ID] = reason
	r.mu.Unlock()
}

func (r *Recorder) PlayedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.played...)
}

func (r *Recorder) FailedErr(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed[jobID]
}

func (r *Recorder) DiscardedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.discarded)
}

// NewClip writes a small file under dir and returns a clip backed by it.
func NewClip(t testing.TB, dir, name string) *playback.Clip {
	t.Helper()
	path := filepath.Join(dir, name+".wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	return playback.NewClip(path, "wav", "test-voice")
}

// Exists reports whether the clip's file is still on disk.
func Exists(clip *playback.Clip) bool {
	_, err := os.Stat(clip.Path)
	return !errors.Is(err, os.ErrNotExist)
}

// Eventually polls cond until it holds or the timeout passes.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
