package offline0

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// connectivity tracks whether the network leg is working and fires
// onReconnect on every offline -> online transition.
type connectivity struct {
	online      atomic.Bool
	onReconnect func()
}

func newConnectivity(onReconnect func()) *connectivity {
	c := &connectivity{onReconnect: onReconnect}
	c.online.Store(true)
	return c
}

func (c *connectivity) Observe(ok bool) {
	prev := c.online.Swap(ok)
	if ok && !prev && c.onReconnect != nil {
		c.onReconnect()
	}
}

func (c *connectivity) Online() bool { return c.online.Load() }

// pingLoop checks pingURL periodically so reconnection is noticed even
// when no client traffic flows.
func pingLoop(ctx context.Context, c *connectivity, f Fetcher, pingURL string, every, timeout time.Duration, log *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, timeout)
			req, err := http.NewRequestWithContext(pctx, http.MethodHead, pingURL, nil)
			if err == nil {
				_, err = f.Fetch(pctx, req)
			}
			cancel()
			if err != nil && ctx.Err() == nil {
				log.Debug("connectivity ping failed", zap.Error(err))
			}
			if ctx.Err() == nil {
				c.Observe(err == nil)
			}
		}
	}
}
