package rss

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxConcurrencyPerHost limits parallel requests to any single host.
const maxConcurrencyPerHost = 2

// hostLimiter keeps fetches polite: at most maxConcurrencyPerHost requests in
// flight per host, spaced by at least interval.
type hostLimiter struct {
	mu         sync.Mutex
	interval   time.Duration
	semaphores map[string]chan struct{}
	limiters   map[string]*rate.Limiter
}

func newHostLimiter(interval time.Duration) *hostLimiter {
	return &hostLimiter{
		interval:   interval,
		semaphores: make(map[string]chan struct{}),
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (hl *hostLimiter) get(host string) (chan struct{}, *rate.Limiter) {
	hl.mu.Lock()
	defer hl.mu.Unlock()
	sem, ok := hl.semaphores[host]
	if !ok {
		sem = make(chan struct{}, maxConcurrencyPerHost)
		hl.semaphores[host] = sem
	}
	lim, ok := hl.limiters[host]
	if !ok {
		limit := rate.Inf
		if hl.interval > 0 {
			limit = rate.Every(hl.interval)
		}
		lim = rate.NewLimiter(limit, 1)
		hl.limiters[host] = lim
	}
	return sem, lim
}

// acquire blocks until a request to host may start. Every successful acquire
// must be paired with release.
func (hl *hostLimiter) acquire(ctx context.Context, host string) error {
	sem, lim := hl.get(host)

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := lim.Wait(ctx); err != nil {
		<-sem
		return err
	}
	return nil
}

func (hl *hostLimiter) release(host string) {
	sem, _ := hl.get(host)
	<-sem
}

// hostOf returns the lowercased host of rawURL, without port.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
