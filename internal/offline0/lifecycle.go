package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offline0/internal/store"
)

var (
	ErrProvisioning    = errors.New("provisioning failed")
	ErrNothingWaiting  = errors.New("no generation is waiting for activation")
	errManifestMissing = errors.New("manifest resource unavailable")
)

// Lifecycle moves cache generations through provisioning, activation and
// reclamation. Transitions are serialized; readers never wait on them.
type Lifecycle struct {
	log     *zap.Logger
	cfg     *Config
	store   *store.Store
	fetcher Fetcher

	mu      sync.Mutex
	waiting string

	// epoch increments every time a generation takes control.
	epoch atomic.Uint64
}

func newLifecycle(cfg *Config, st *store.Store, f Fetcher, log *zap.Logger) *Lifecycle {
	return &Lifecycle{log: log, cfg: cfg, store: st, fetcher: f}
}

// Start brings the configured version into service. If it is already
// active only stale generations are reclaimed.
func (l *Lifecycle) Start(ctx context.Context) error {
	version := l.cfg.Lifecycle.Version
	if cur, ok := l.store.Active(); ok && cur == version {
		l.log.Info("generation already active", zap.String("tag", version))
		_, err := l.Reclaim()
		return err
	}
	return l.Install(ctx, version)
}

// Install provisions tag with every manifest resource. On any failure the
// generation is discarded and the active one, if any, keeps serving. When
// skipWaiting is set the new generation is activated right away.
func (l *Lifecycle) Install(ctx context.Context, tag string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.store.Active(); ok && cur == tag {
		return nil
	}
	if _, exists := l.store.Generation(tag); exists {
		if err := l.store.DeleteGeneration(tag); err != nil {
			return fmt.Errorf("%w: %s: discard previous attempt: %w", ErrProvisioning, tag, err)
		}
		if l.waiting == tag {
			l.waiting = ""
		}
	}

	l.log.Info("provisioning generation", zap.String("tag", tag))
	if err := l.provision(ctx, tag); err != nil {
		if derr := l.store.DeleteGeneration(tag); derr != nil {
			l.log.Error("discard failed generation", zap.String("tag", tag), zap.Error(derr))
		}
		l.log.Error("provisioning failed", zap.String("tag", tag), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrProvisioning, tag, err)
	}

	if l.waiting != "" && l.waiting != tag {
		// A newer install supersedes a generation that never activated.
		if err := l.store.DeleteGeneration(l.waiting); err != nil {
			l.log.Warn("drop superseded generation", zap.String("tag", l.waiting), zap.Error(err))
		}
	}
	l.waiting = tag
	if !l.cfg.Lifecycle.skipWaiting {
		l.log.Info("generation waiting for activation", zap.String("tag", tag))
		return nil
	}
	return l.activateLocked()
}

func (l *Lifecycle) provision(ctx context.Context, tag string) error {
	if err := l.store.OpenGeneration(tag); err != nil {
		return err
	}
	urls, err := l.resolveManifest(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Lifecycle.Parallelism)
	for _, u := range urls {
		g.Go(func() error {
			ent, err := l.fetchManifestEntry(gctx, u)
			if err != nil {
				return err
			}
			return l.store.Put(tag, store.RequestKey(http.MethodGet, u.String()), ent)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := l.store.MarkReady(tag); err != nil {
		return err
	}
	l.log.Info("generation provisioned", zap.String("tag", tag), zap.Int("resources", len(urls)))
	return nil
}

func (l *Lifecycle) fetchManifestEntry(ctx context.Context, u *url.URL) (store.Entry, error) {
	fctx, cancel := context.WithTimeout(ctx, l.cfg.Server.fetchTimeoutDur)
	defer cancel()
	req, err := http.NewRequestWithContext(fctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return store.Entry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	ent, err := l.fetcher.Fetch(fctx, req)
	if err != nil {
		return store.Entry{}, fmt.Errorf("%s: %w", u, err)
	}
	if ent.Status < 200 || ent.Status >= 300 {
		return store.Entry{}, fmt.Errorf("%w: %s: status %d", errManifestMissing, u, ent.Status)
	}
	return ent, nil
}

// SkipActivation activates the waiting generation without waiting for
// existing clients to go away.
func (l *Lifecycle) SkipActivation() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.waiting == "" {
		return ErrNothingWaiting
	}
	return l.activateLocked()
}

func (l *Lifecycle) activateLocked() error {
	tag := l.waiting
	if err := l.store.SetActive(tag); err != nil {
		return fmt.Errorf("activate %s: %w", tag, err)
	}
	l.waiting = ""
	epoch := l.epoch.Add(1)
	l.log.Info("generation active, clients claimed", zap.String("tag", tag), zap.Uint64("epoch", epoch))

	if _, err := l.reclaimLocked(); err != nil {
		l.log.Warn("reclaim after activation", zap.Error(err))
	}
	return nil
}

// Reclaim deletes every generation other than the active (and waiting) one.
// It is safe to call repeatedly.
func (l *Lifecycle) Reclaim() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reclaimLocked()
}

func (l *Lifecycle) reclaimLocked() (int, error) {
	active, _ := l.store.Active()
	n := 0
	var errs []error
	for _, tag := range l.store.ListGenerations() {
		if tag == active || tag == l.waiting {
			continue
		}
		if err := l.store.DeleteGeneration(tag); err != nil {
			errs = append(errs, err)
			continue
		}
		l.log.Info("reclaimed stale generation", zap.String("tag", tag))
		n++
	}
	return n, errors.Join(errs...)
}

// Waiting returns the provisioned generation awaiting activation, if any.
func (l *Lifecycle) Waiting() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiting
}

// Epoch counts activations since process start.
func (l *Lifecycle) Epoch() uint64 { return l.epoch.Load() }
