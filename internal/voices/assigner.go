package voices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

var (
	// ErrInvalidChoice is returned when a voice is not in the catalog.
	ErrInvalidChoice = errors.New("voice not in catalog")
	// ErrStore wraps persistence failures of the preference store.
	ErrStore = errors.New("preference store")
)

// Store persists the participant to voice mapping as a whole.
type Store interface {
	Load(ctx context.Context) (map[uint64]string, error)
	Save(ctx context.Context, prefs map[uint64]string) error
}

// Assigner hands out voices per participant. Unknown participants get a
// deterministic default picked from the catalog by id.
type Assigner struct {
	catalog []string
	store   Store
	logger  *slog.Logger

	mu    sync.Mutex
	prefs map[uint64]string

	// saveMu orders snapshots so an older mapping never overwrites a newer one.
	saveMu  sync.Mutex
	version uint64
	saved   uint64
}

// NewAssigner loads the stored mapping. Load failures are logged and leave
// the assigner with an empty mapping.
func NewAssigner(ctx context.Context, catalog []string, store Store, logger *slog.Logger) (*Assigner, error) {
	if len(catalog) == 0 {
		return nil, errors.New("voice catalog must not be empty")
	}
	a := &Assigner{
		catalog: slices.Clone(catalog),
		store:   store,
		logger:  logger.With(slog.String("component", "voices")),
		prefs:   make(map[uint64]string),
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		a.logger.Warn("failed to load voice preferences, starting empty", slogError(err))
		return a, nil
	}
	for id, voice := range loaded {
		a.prefs[id] = voice
	}
	a.logger.Info("voice preferences loaded", slog.Int("participants", len(a.prefs)))
	return a, nil
}

// Catalog returns the selectable voices in catalog order.
func (a *Assigner) Catalog() []string {
	return slices.Clone(a.catalog)
}

// Valid reports whether voice is in the catalog.
func (a *Assigner) Valid(voice string) bool {
	return slices.Contains(a.catalog, voice)
}

// Default is the voice a participant gets before choosing one.
func (a *Assigner) Default(participantID uint64) string {
	return a.catalog[participantID%uint64(len(a.catalog))]
}

// Get returns the participant's voice, assigning and persisting the default
// on first lookup.
func (a *Assigner) Get(ctx context.Context, participantID uint64) string {
	a.mu.Lock()
	if voice, ok := a.prefs[participantID]; ok {
		a.mu.Unlock()
		return voice
	}
	voice := a.Default(participantID)
	a.prefs[participantID] = voice
	snapshot, version := a.snapshotLocked()
	a.mu.Unlock()

	a.persist(ctx, snapshot, version)
	return voice
}

// Set records an explicit choice. Voices outside the catalog are rejected
// without touching stored state.
func (a *Assigner) Set(ctx context.Context, participantID uint64, voice string) error {
	if !a.Valid(voice) {
		return fmt.Errorf("%w: %q", ErrInvalidChoice, voice)
	}
	a.mu.Lock()
	a.prefs[participantID] = voice
	snapshot, version := a.snapshotLocked()
	a.mu.Unlock()

	a.persist(ctx, snapshot, version)
	return nil
}

func (a *Assigner) snapshotLocked() (map[uint64]string, uint64) {
	a.version++
	out := make(map[uint64]string, len(a.prefs))
	for id, voice := range a.prefs {
		out[id] = voice
	}
	return out, a.version
}

func (a *Assigner) persist(ctx context.Context, snapshot map[uint64]string, version uint64) {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()
	if version <= a.saved {
		return
	}
	if err := a.store.Save(ctx, snapshot); err != nil {
		a.logger.Warn("failed to save voice preferences", slogError(err))
		return
	}
	a.saved = version
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
