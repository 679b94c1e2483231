package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voicebridge/internal/bus"
	"github.com/loqalabs/loqa-voicebridge/internal/command"
	"github.com/loqalabs/loqa-voicebridge/internal/config"
	"github.com/loqalabs/loqa-voicebridge/internal/intake"
	"github.com/loqalabs/loqa-voicebridge/internal/natsserver"
	"github.com/loqalabs/loqa-voicebridge/internal/presence"
	"github.com/loqalabs/loqa-voicebridge/internal/session"
	"github.com/loqalabs/loqa-voicebridge/internal/synth"
	"github.com/loqalabs/loqa-voicebridge/internal/timeline"
	"github.com/loqalabs/loqa-voicebridge/internal/voicelink"
	"github.com/loqalabs/loqa-voicebridge/internal/voices"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	telemetry   *telemetry
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	timeline *timeline.Store
	prefs    *voices.SQLStore
	registry *session.Registry
	speech   *synth.Service
	presence *presence.Tracker
	intake   *intake.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves HTTP and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := newTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	metricsHandler := tel.metrics

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents(context.Background())
		r.closeTelemetry(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/sessions", r.handleSessions)
	mux.HandleFunc("/timeline", r.handleTimeline)
	if metricsHandler != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsSrv = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsSrv, "metrics")
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.maintain(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.stopComponents(shutdownCtx)
	r.wg.Wait()
	r.closeTelemetry(shutdownCtx)
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.timeline, err = timeline.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open timeline: %w", err)
	}

	store, err := r.openPreferences(ctx)
	if err != nil {
		return err
	}
	assigner, err := voices.NewAssigner(ctx, r.cfg.Voices.Catalog, store, r.logger)
	if err != nil {
		return err
	}

	synthesizer, err := r.newSynthesizer()
	if err != nil {
		return err
	}

	poll := time.Duration(r.cfg.Playback.PollIntervalMS) * time.Millisecond
	r.registry = session.NewRegistry(ctx, poll, session.Observers{r.timeline}, r.logger)
	r.speech = synth.NewService(ctx, r.cfg.TTS, synthesizer, r.registry, r.timeline, r.logger)

	r.presence = presence.NewTracker(r.logger)
	if err := r.presence.Subscribe(r.bus); err != nil {
		return err
	}

	stall := time.Duration(r.cfg.Playback.StallTimeoutMS) * time.Millisecond
	dispatcher := command.NewDispatcher(command.Deps{
		Prefix:    r.cfg.Commands.Prefix,
		Registry:  r.registry,
		Connector: voicelink.NewConnector(r.bus, stall, r.logger),
		Presence:  r.presence,
		Voices:    assigner,
		Speaker:   r.speech,
		Replier:   command.BusReplier{Bus: r.bus},
		Logger:    r.logger,
	})

	r.intake = intake.NewService(ctx, r.bus, r.registry, r.presence, assigner, r.speech, dispatcher, r.logger)
	if err := r.intake.Start(); err != nil {
		return fmt.Errorf("start intake: %w", err)
	}
	return nil
}

func (r *Runtime) openPreferences(ctx context.Context) (voices.Store, error) {
	switch r.cfg.Preferences.Backend {
	case "sqlite":
		store, err := voices.OpenSQLStore(ctx, r.cfg.Preferences.Path)
		if err != nil {
			return nil, err
		}
		r.prefs = store
		return store, nil
	default:
		return voices.NewFileStore(r.cfg.Preferences.Path), nil
	}
}

func (r *Runtime) newSynthesizer() (synth.Synthesizer, error) {
	dir := r.cfg.TTS.ClipDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create clip dir: %w", err)
	}
	switch r.cfg.TTS.Mode {
	case "exec":
		return synth.NewExecSynth(r.cfg.TTS.Command, dir, r.cfg.TTS.Format)
	default:
		r.logger.Info("using mock synthesizer")
		return synth.NewMockSynth(dir, 50*time.Millisecond), nil
	}
}

// stopComponents tears down in reverse dependency order. Nil components are
// skipped so it also cleans up after a partial start.
func (r *Runtime) stopComponents(ctx context.Context) {
	if r.intake != nil {
		r.intake.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.speech != nil {
		r.speech.Close()
	}
	if r.registry != nil {
		if err := r.registry.StopAll(ctx); err != nil {
			r.logger.Warn("session teardown incomplete", slog.String("error", err.Error()))
		}
	}
	if r.timeline != nil {
		if err := r.timeline.Close(); err != nil {
			r.logger.Warn("timeline close error", slog.String("error", err.Error()))
		}
	}
	if r.prefs != nil {
		if err := r.prefs.Close(); err != nil {
			r.logger.Warn("preference store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) closeTelemetry(ctx context.Context) {
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) maintain(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.timeline.Prune(ctx); err != nil {
				r.logger.Warn("timeline prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.intake.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// sessionView adds the number of participants sharing the session's voice
// channel.
type sessionView struct {
	session.Info
	Listeners int `json:"listeners"`
}

func (r *Runtime) handleSessions(w http.ResponseWriter, _ *http.Request) {
	infos := r.registry.List()
	views := make([]sessionView, 0, len(infos))
	for _, info := range infos {
		views = append(views, sessionView{
			Info:      info,
			Listeners: r.presence.Occupants(info.RoomID, info.VoiceChannelID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// handleTimeline lists recorded sessions, or the events of one session when
// ?session= is given.
func (r *Runtime) handleTimeline(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if id := q.Get("session"); id != "" {
		events, err := r.timeline.ListSessionEvents(req.Context(), id, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}
	sessions, err := r.timeline.ListSessions(req.Context(), q.Get("room"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
