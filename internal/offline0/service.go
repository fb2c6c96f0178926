package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline0/internal/store"
)

const controlPrefix = "/_offline0"

// Service wires the worker to HTTP and runs the background loops.
type Service struct {
	cfg Config
	log *zap.Logger

	store  *store.Store
	worker *Worker
	stats  *statsCollector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(cfg Config, log *zap.Logger, c Collaborators) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	stats := newStatsCollector()
	writeLog := newRateLimitedLogger(log.Named("store"), time.Minute)
	st, err := store.Open(cfg.Storage.Path, store.Options{
		RAMMax:  cfg.Storage.ramMax,
		DiskMax: cfg.Storage.diskMax,
		Logger:  log.Named("store"),
		OnWriteError: func(tag, key string, err error) {
			stats.writeErrors.Add(1)
			writeLog.Warn("cache write failed", zap.String("tag", tag), zap.String("key", key), zap.Error(err))
		},
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:   cfg,
		log:   log,
		store: st,
		stats: stats,
	}
	s.worker = newWorker(&s.cfg, st, c, stats, log)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start runs the background loops and brings the configured generation into
// service. A provisioning error is returned, but the service keeps running
// on whatever generation was active before.
func (s *Service) Start(ctx context.Context) error {
	s.goLoop(func(ctx context.Context) { s.worker.sync.run(ctx, s.cfg.Sync.everyDur) })
	if s.cfg.Sync.PingURL != "" && s.cfg.Sync.pingEveryDur > 0 {
		s.goLoop(func(ctx context.Context) {
			pingLoop(ctx, s.worker.conn, s.worker.fetcher, s.cfg.Sync.PingURL,
				s.cfg.Sync.pingEveryDur, s.cfg.Server.fetchTimeoutDur, s.log.Named("ping"))
		})
	}
	if s.cfg.Logging.statsEveryDur > 0 {
		s.goLoop(func(ctx context.Context) { s.statsLoop(ctx, s.cfg.Logging.statsEveryDur) })
	}

	// Records left from a previous run go out as soon as possible.
	s.worker.sync.Trigger("startup")

	_, err := s.worker.Dispatch(ctx, LifecycleEvent{Phase: PhaseInstall})
	return err
}

func (s *Service) goLoop(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
	if err := s.store.Close(); err != nil {
		s.log.Warn("close store", zap.Error(err))
	}
}

// Worker exposes the event dispatcher for embedding.
func (s *Service) Worker() *Worker { return s.worker }

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+controlPrefix+"/records", s.handleRecord)
	mux.HandleFunc("POST "+controlPrefix+"/skip-activation", s.handleSkipActivation)
	mux.HandleFunc("POST "+controlPrefix+"/sync", s.handleSync)
	mux.HandleFunc("POST "+controlPrefix+"/alerts", s.handleAlert)
	mux.HandleFunc("GET "+controlPrefix+"/actions/{action}", s.handleAction)
	mux.HandleFunc("GET "+controlPrefix+"/status", s.handleStatus)
	// Control paths never reach the origin, whatever the method.
	mux.HandleFunc(controlPrefix+"/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown control endpoint"})
	})
	mux.HandleFunc("/", s.handleIntercept)
	return mux
}

func (s *Service) handleIntercept(w http.ResponseWriter, r *http.Request) {
	res, err := s.worker.Dispatch(r.Context(), RequestEvent{Request: r})
	if err != nil || res.Response == nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeResponse(w, *res.Response)
	s.stats.ObserveResponse(res.Response.Decision, len(res.Response.Body))
}

func (s *Service) handleRecord(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Storage.entryMax))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty record"})
		return
	}
	res, err := s.worker.Dispatch(r.Context(), MessageEvent{
		Kind:       MessageCacheForSync,
		RecordKind: r.URL.Query().Get("kind"),
		Payload:    body,
	})
	if err != nil {
		s.log.Error("queue record", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "record not stored"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": res.RecordID})
}

func (s *Service) handleSkipActivation(w http.ResponseWriter, r *http.Request) {
	_, err := s.worker.Dispatch(r.Context(), MessageEvent{Kind: MessageSkipActivation})
	switch {
	case errors.Is(err, ErrNothingWaiting):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	active, _ := s.store.Active()
	writeJSON(w, http.StatusOK, map[string]string{"active": active})
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.worker.Dispatch(r.Context(), SyncTriggerEvent{Reason: "explicit", Wait: true})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res.Summary)
}

func (s *Service) handleAlert(w http.ResponseWriter, r *http.Request) {
	var a Alert
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&a); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid alert: " + err.Error()})
		return
	}
	res, err := s.worker.Dispatch(r.Context(), AlertEvent{Alert: a})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, res.Notification)
}

func (s *Service) handleAction(w http.ResponseWriter, r *http.Request) {
	if tag := r.URL.Query().Get("tag"); tag != "" {
		s.worker.notify.Close(tag)
	}
	target, navigate := s.worker.notify.Route(r.PathValue("action"))
	if !navigate {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

type statusReport struct {
	Active      string                 `json:"active"`
	Waiting     string                 `json:"waiting,omitempty"`
	Epoch       uint64                 `json:"epoch"`
	Generations []store.GenerationInfo `json:"generations"`
	Queue       int                    `json:"queue"`
	Online      bool                   `json:"online"`
	Stats       StatsSnapshot          `json:"stats"`
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	active, _ := s.store.Active()
	writeJSON(w, http.StatusOK, statusReport{
		Active:      active,
		Waiting:     s.worker.lifecycle.Waiting(),
		Epoch:       s.worker.lifecycle.Epoch(),
		Generations: s.store.Generations(),
		Queue:       s.worker.queue.Len(),
		Online:      s.worker.conn.Online(),
		Stats:       s.stats.Snapshot(),
	})
}

func (s *Service) statsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			active, _ := s.store.Active()
			fields := []zap.Field{
				zap.String("generation", active),
				zap.Int("queued", s.worker.queue.Len()),
				zap.Uint64("hits", ss.Hits),
				zap.Uint64("misses", ss.Misses),
				zap.Uint64("fallbacks", ss.Fallbacks),
				zap.Uint64("submitted", ss.Submitted),
				zap.Uint64("submitFailed", ss.SubmitFailed),
				zap.String("ram", formatBytes(uint64(s.store.RAMSize()))),
				zap.String("disk", formatBytes(uint64(s.store.DiskSize()))),
				zap.String("respMinAvgMax", formatBytes(ss.MinRespBytes)+"/"+formatBytes(ss.AvgRespBytes)+"/"+formatBytes(ss.MaxRespBytes)),
			}
			if rss, ok := processRSSBytes(); ok {
				fields = append(fields, zap.String("rss", formatBytes(rss)))
			}
			s.log.Info("stats", fields...)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
