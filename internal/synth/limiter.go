package synth

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// speakerLimiter keeps one token bucket per participant and room.
type speakerLimiter struct {
	every time.Duration
	mu    sync.Mutex
	byKey map[string]*rate.Limiter
}

func newSpeakerLimiter(perMinute int) *speakerLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &speakerLimiter{
		every: time.Minute / time.Duration(perMinute),
		byKey: make(map[string]*rate.Limiter),
	}
}

// allow reports whether the speaker may submit now. A nil limiter allows all.
func (l *speakerLimiter) allow(roomID string, speaker uint64) bool {
	if l == nil {
		return true
	}
	key := fmt.Sprintf("%s/%d", roomID, speaker)
	l.mu.Lock()
	lim, ok := l.byKey[key]
	if !ok {
		// A short burst lets someone send a few lines back to back.
		lim = rate.NewLimiter(rate.Every(l.every), 3)
		l.byKey[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
