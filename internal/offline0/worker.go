package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"offline0/internal/store"
)

var (
	errUnknownEvent   = errors.New("unknown event")
	errUnknownMessage = errors.New("unknown message kind")
	errNoSyncEndpoint = errors.New("sync.endpoint is not configured")
)

// Collaborators are the external parts the worker talks to. Nil fields are
// filled from config.
type Collaborators struct {
	Fetcher   Fetcher
	Submitter Submitter
	Notifier  Notifier
	Position  PositionProvider
}

// Worker is the process-wide state: the cache store, the pending queue and
// the components operating on them. Every event is routed through Dispatch.
type Worker struct {
	cfg   *Config
	log   *zap.Logger
	stats *statsCollector

	store     *store.Store
	queue     *store.Queue
	fetcher   Fetcher
	engine    *Engine
	lifecycle *Lifecycle
	sync      *Synchronizer
	notify    *Dispatcher
	conn      *connectivity
}

func newWorker(cfg *Config, st *store.Store, c Collaborators, stats *statsCollector, log *zap.Logger) *Worker {
	client := &http.Client{}
	if c.Fetcher == nil {
		c.Fetcher = newHTTPFetcher()
	}
	if c.Submitter == nil {
		if cfg.Sync.Endpoint != "" {
			c.Submitter = &httpSubmitter{client: client, endpoint: cfg.Sync.Endpoint}
		} else {
			c.Submitter = unconfiguredSubmitter{}
		}
	}
	if c.Notifier == nil {
		if cfg.Notifications.Webhook != "" {
			c.Notifier = &webhookNotifier{client: &http.Client{Timeout: 10 * time.Second}, url: cfg.Notifications.Webhook}
		} else {
			c.Notifier = logNotifier{log: log.Named("notify")}
		}
	}
	if c.Position == nil && cfg.Location.Endpoint != "" {
		c.Position = &httpPositionProvider{client: client, endpoint: cfg.Location.Endpoint}
	}

	w := &Worker{
		cfg:     cfg,
		log:     log,
		stats:   stats,
		store:   st,
		queue:   st.Queue(),
		fetcher: c.Fetcher,
	}
	w.notify = newDispatcher(cfg, c.Notifier, stats, log.Named("notify"))
	w.sync = newSynchronizer(cfg, w.queue, c.Submitter, w.notify, stats, log.Named("sync"))
	w.sync.position = c.Position
	w.lifecycle = newLifecycle(cfg, st, c.Fetcher, log.Named("lifecycle"))
	w.engine = newEngine(cfg, st, c.Fetcher, log.Named("engine"))
	w.conn = newConnectivity(func() { w.sync.Trigger("reconnect") })
	w.engine.onNetwork = w.conn.Observe
	return w
}

// Dispatch routes one event to its handler. Handlers for different events
// run concurrently; a failure in one never affects another.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	switch e := ev.(type) {
	case RequestEvent:
		resp := w.engine.Handle(ctx, e.Request)
		return Result{Response: &resp}, nil

	case MessageEvent:
		return w.handleMessage(e)

	case AlertEvent:
		n, err := w.notify.Alert(ctx, e.Alert)
		if err != nil {
			// Delivery is best-effort; the alert itself was handled.
			w.log.Debug("alert not delivered", zap.Error(err))
		}
		return Result{Notification: &n}, nil

	case SyncTriggerEvent:
		if !e.Wait {
			w.sync.Trigger(e.Reason)
			return Result{}, nil
		}
		sum, err := w.sync.Drain(ctx)
		return Result{Summary: &sum}, err

	case LifecycleEvent:
		return w.handleLifecycle(ctx, e)
	}
	return Result{}, fmt.Errorf("%w: %T", errUnknownEvent, ev)
}

func (w *Worker) handleMessage(m MessageEvent) (Result, error) {
	switch m.Kind {
	case MessageCacheForSync:
		kind := m.RecordKind
		if kind == "" {
			kind = KindReport
		}
		id, err := w.queue.Enqueue(kind, m.Payload)
		if err != nil {
			return Result{}, err
		}
		w.log.Info("record queued", zap.String("id", id), zap.String("kind", kind))
		w.sync.Trigger("record")
		return Result{RecordID: id}, nil

	case MessageSkipActivation:
		return Result{}, w.lifecycle.SkipActivation()
	}
	return Result{}, fmt.Errorf("%w: %q", errUnknownMessage, m.Kind)
}

func (w *Worker) handleLifecycle(ctx context.Context, e LifecycleEvent) (Result, error) {
	switch e.Phase {
	case PhaseInstall:
		if e.Tag == "" {
			return Result{}, w.lifecycle.Start(ctx)
		}
		return Result{}, w.lifecycle.Install(ctx, e.Tag)
	case PhaseActivate:
		return Result{}, w.lifecycle.SkipActivation()
	case PhaseReclaim:
		n, err := w.lifecycle.Reclaim()
		return Result{Reclaimed: n}, err
	}
	return Result{}, fmt.Errorf("%w: lifecycle phase %q", errUnknownEvent, e.Phase)
}

type unconfiguredSubmitter struct{}

func (unconfiguredSubmitter) Submit(context.Context, store.Record) error {
	return fmt.Errorf("%w: %w", ErrSubmission, errNoSyncEndpoint)
}
