package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avaropoint/kiosk/internal/backend"
	"github.com/avaropoint/kiosk/internal/cache"
	"github.com/avaropoint/kiosk/internal/protocol"
)

// retryNow replaces any pending retry with an immediate one.
func (c *Controller) retryNow() {
	c.later(c.retry, 0, c.startLoad)
}

// startLoad attempts the live content. Results of earlier attempts are
// ignored once a newer one starts.
func (c *Controller) startLoad() {
	if !c.contentPermitted() {
		return
	}
	c.retry.Cancel()
	c.loadGen++
	gen := c.loadGen

	cur, err := c.reg.Current(c.ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Reading display binding failed")
	}
	path := c.opts.ContentPath(cur.DisplayIdentifier)

	if !c.loaded {
		c.publish(protocol.View{State: protocol.ViewLoading, Title: "Loading content", Attempt: c.backoff.State().Attempt})
	}

	c.async(func(ctx context.Context) func() {
		err := c.load.Load(ctx, path)
		return func() { c.onLoaded(gen, path, err) }
	})
}

func (c *Controller) onLoaded(gen uint64, path string, err error) {
	if gen != c.loadGen || !c.contentPermitted() || c.ctx.Err() != nil {
		return
	}

	if err == nil {
		c.log.Info().Str("path", path).Msg("Content loaded")
		c.backoff.OnSuccess()
		c.loaded = true
		c.publish(protocol.View{State: protocol.ViewReady, ContentPath: path})
		c.refreshCache()
		return
	}

	c.loaded = false
	delay := c.backoff.OnFailure()
	next := pendingRetry{
		at:      c.opts.Clock.Now().Add(delay),
		in:      delay,
		attempt: c.backoff.State().Attempt,
	}
	c.later(c.retry, delay, c.startLoad)

	log := c.log.Warn().Err(err).Uint("attempt", next.attempt).Dur("retry_in", delay)

	if !backend.IsConnectivity(err) {
		log.Msg("Content load failed")
		c.publish(next.view(protocol.View{
			State:   protocol.ViewError,
			Title:   "Content unavailable",
			Message: describe(err),
		}))
		return
	}

	log.Msg("Server unreachable")
	c.async(func(ctx context.Context) func() {
		doc, err := c.cache.RenderOfflineFallback(ctx)
		return func() { c.onFallback(gen, next, doc, err) }
	})
}

// pendingRetry is the countdown shown alongside a failed load.
type pendingRetry struct {
	at      time.Time
	in      time.Duration
	attempt uint
}

func (r pendingRetry) view(v protocol.View) protocol.View {
	v.RetryAt = r.at
	v.RetryIn = seconds(r.in)
	v.Attempt = r.attempt
	return v
}

// onFallback shows cached content for an unreachable server, or the
// offline view when nothing is cached.
func (c *Controller) onFallback(gen uint64, next pendingRetry, doc *cache.Document, err error) {
	if gen != c.loadGen || !c.contentPermitted() || c.ctx.Err() != nil {
		return
	}

	if err != nil {
		if !errors.Is(err, cache.ErrNothingCached) {
			c.log.Warn().Err(err).Msg("Rendering offline fallback failed")
		}
		c.publish(next.view(protocol.View{
			State:   protocol.ViewOffline,
			Title:   "Offline",
			Message: "Cannot reach the server and no content is cached.",
		}))
		return
	}

	c.log.Info().Int("items", doc.Items).Msg("Showing cached content")
	c.publish(next.view(protocol.View{
		State:       protocol.ViewError,
		Title:       "Connection lost",
		Message:     fmt.Sprintf("Showing %d cached items.", doc.Items),
		ContentPath: c.opts.OfflinePath,
	}))
}

func (c *Controller) refreshCache() {
	c.async(func(ctx context.Context) func() {
		n, err := c.cache.Refresh(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("Cache refresh failed")
			}
			return nil
		}
		c.log.Debug().Int("items", n).Msg("Cache refreshed after load")
		return nil
	})
}

func describe(err error) string {
	var se *backend.ServerError
	if errors.As(err, &se) {
		if se.Message != "" {
			return fmt.Sprintf("The server answered %d: %s", se.Code, se.Message)
		}
		return fmt.Sprintf("The server answered %d %s.", se.Code, http.StatusText(se.Code))
	}
	if errors.Is(err, backend.ErrNetwork) {
		return "The server could not be reached."
	}
	return err.Error()
}

func seconds(d time.Duration) int {
	return int(d.Round(time.Second) / time.Second)
}
