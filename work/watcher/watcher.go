package watcher

import (
	"sync"
	"sync/atomic"
	"time"

	"mixreplace/work/cache"
	"mixreplace/work/logger"
	"mixreplace/work/metrics"
	"mixreplace/work/types"
)

// Server is the part of the media server the watchdog drives.
type Server interface {
	IsRunning() bool
	Start() bool
	Sessions() []types.SessionInfo
}

// FrameSource reports the most recent frame of a channel.
type FrameSource interface {
	Latest(ch types.Channel) (cache.Frame, bool)
}

// Watcher periodically checks the media server. If the server stopped on its
// own while it is wanted, for example because its listener failed, the watcher
// starts it again, giving up after maxFailures consecutive failed attempts.
// It also flags channels that have viewers but no recent frame.
type Watcher struct {
	server      func() Server
	frames      FrameSource
	interval    time.Duration
	maxFailures int32

	wanted   atomic.Bool
	failures atomic.Int32
	stalled  [types.NumChannels]atomic.Bool

	mu       sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
	log      *logger.Logger
}

// New creates a stopped watcher. server may return nil while no server exists.
func New(server func() Server, frames FrameSource, interval time.Duration, maxFailures int) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Watcher{
		server:      server,
		frames:      frames,
		interval:    interval,
		maxFailures: int32(maxFailures),
		log:         logger.Default(),
	}
}

// SetWanted records whether the server is supposed to be running. An
// intentional stop must clear it so the watcher leaves the server alone.
// Setting it resets the failure count.
func (w *Watcher) SetWanted(wanted bool) {
	w.wanted.Store(wanted)
	w.failures.Store(0)
}

// Start begins periodic checks. Calling Start on a running watcher does nothing.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopChan != nil {
		return
	}
	w.stopChan = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(w.stopChan, w.done)

	w.log.Info("{watcher/watcher - Start} watchdog started (interval %s, max failures %d)", w.interval, w.maxFailures)
}

// Stop ends the checks and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	stop, done := w.stopChan, w.done
	w.stopChan = nil
	w.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	w.clearStalls()
}

// Stalled reports whether ch was flagged by the last check.
func (w *Watcher) Stalled(ch types.Channel) bool {
	return ch.Valid() && w.stalled[ch].Load()
}

// Failures returns the number of consecutive failed restarts.
func (w *Watcher) Failures() int {
	return int(w.failures.Load())
}

func (w *Watcher) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check runs one health pass.
func (w *Watcher) check() {
	srv := w.server()
	if srv == nil {
		return
	}

	if !srv.IsRunning() {
		w.clearStalls()
		w.restart(srv)
		return
	}

	w.checkChannels(srv)
}

func (w *Watcher) restart(srv Server) {
	if !w.wanted.Load() || w.failures.Load() >= w.maxFailures {
		return
	}

	if srv.Start() {
		w.failures.Store(0)
		metrics.WatchdogRestarts.WithLabelValues("ok").Inc()
		w.log.Warn("{watcher/watcher - restart} media server had stopped unexpectedly and was restarted")
		return
	}

	n := w.failures.Add(1)
	metrics.WatchdogRestarts.WithLabelValues("failed").Inc()
	if n >= w.maxFailures {
		w.log.Error("{watcher/watcher - restart} media server failed to restart %d times, giving up", n)
		return
	}
	w.log.Warn("{watcher/watcher - restart} media server restart failed (%d/%d)", n, w.maxFailures)
}

func (w *Watcher) checkChannels(srv Server) {
	var viewers [types.NumChannels]int
	for _, s := range srv.Sessions() {
		if ch, err := types.ParseChannel(s.Channel); err == nil {
			viewers[ch]++
		}
	}

	for _, ch := range types.Channels {
		_, fresh := w.frames.Latest(ch)
		stalled := viewers[ch] > 0 && !fresh

		if w.stalled[ch].Swap(stalled) == stalled {
			continue
		}
		if stalled {
			metrics.ChannelStalled.WithLabelValues(ch.String()).Set(1)
			w.log.Warn("{watcher/watcher - checkChannels} %s channel has %d viewers but no recent frames", ch, viewers[ch])
		} else {
			metrics.ChannelStalled.WithLabelValues(ch.String()).Set(0)
			w.log.Info("{watcher/watcher - checkChannels} %s channel recovered", ch)
		}
	}
}

func (w *Watcher) clearStalls() {
	for _, ch := range types.Channels {
		if w.stalled[ch].Swap(false) {
			metrics.ChannelStalled.WithLabelValues(ch.String()).Set(0)
		}
	}
}
