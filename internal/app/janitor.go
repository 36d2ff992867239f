package app

import (
	"log/slog"
	"time"
)

// Purger drops expired entries and reports how many went.
type Purger interface {
	Purge() int
	Len() int
}

// Janitor periodically purges expired recommendation cache entries so a
// long-running process doesn't keep every request id it ever looked up.
type Janitor struct {
	Cache    Purger
	Logger   *slog.Logger
	Interval time.Duration

	// OnPurge, when set, receives the cache size after each pass.
	OnPurge func(remaining int)

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewJanitor creates a janitor. If interval is 0 or negative, defaults to 1 minute.
func NewJanitor(cache Purger, logger *slog.Logger, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}

	return &Janitor{
		Cache:    cache,
		Logger:   logger,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker. Call Stop to shut it down.
func (j *Janitor) Start() {
	go j.run()
	j.Logger.Debug("cache janitor started", "interval", j.Interval)
}

// Stop shuts down the worker and blocks until it has exited.
func (j *Janitor) Stop() {
	close(j.stopCh)
	<-j.doneCh
	j.Logger.Debug("cache janitor stopped")
}

func (j *Janitor) run() {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-j.stopCh:
			return
		}
	}
}

func (j *Janitor) sweep() {
	removed := j.Cache.Purge()
	remaining := j.Cache.Len()

	if removed > 0 {
		j.Logger.Debug("purged expired recommendations", "removed", removed, "remaining", remaining)
	}
	if j.OnPurge != nil {
		j.OnPurge(remaining)
	}
}
