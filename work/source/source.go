package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"mixreplace/work/config"
	"mixreplace/work/logger"
	"mixreplace/work/types"
)

// Sink receives produced frames. *mediaserver.Server satisfies it.
type Sink interface {
	OfferMedia(ch types.Channel, media []byte)
}

// Source produces encoded frames for one channel until its context ends.
type Source interface {
	Name() string
	Channel() types.Channel
	Run(ctx context.Context, sink Sink) error
}

// FromConfig builds the source described by cfg.
func FromConfig(cfg config.SourceConfig) (Source, error) {
	switch cfg.Type {
	case "directory":
		return NewDirectorySource(cfg.Name, cfg.Channel, cfg.Path, cfg.FPS, cfg.Loop), nil
	case "relay":
		return NewRelaySource(cfg.Name, cfg.Channel, cfg.URL, cfg.Retry)
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

// Status describes a running source for the admin API.
type Status struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type entry struct {
	src    Source
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Manager runs a set of sources against one sink, each on its own goroutine.
type Manager struct {
	sink    Sink
	entries *xsync.MapOf[string, *entry]
	log     *logger.Logger
	wg      sync.WaitGroup
}

// NewManager creates a manager feeding sink.
func NewManager(sink Sink) *Manager {
	return &Manager{
		sink:    sink,
		entries: xsync.NewMapOf[string, *entry](),
		log:     logger.Default(),
	}
}

// Start launches src. Names must be unique among running sources.
func (m *Manager) Start(ctx context.Context, src Source) error {
	ctx, cancel := context.WithCancel(ctx)
	e := &entry{src: src, cancel: cancel, done: make(chan struct{})}

	if _, loaded := m.entries.LoadOrStore(src.Name(), e); loaded {
		cancel()
		return fmt.Errorf("source %q already running", src.Name())
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(e.done)

		m.log.Info("{source/source - Start} source %s producing on %s channel", src.Name(), src.Channel())
		err := src.Run(ctx, m.sink)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error("{source/source - Start} source %s stopped: %v", src.Name(), err)
		} else {
			m.log.Info("{source/source - Start} source %s finished", src.Name())
		}

		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
	}()
	return nil
}

// Stop cancels the named source and waits for it to return.
func (m *Manager) Stop(name string) bool {
	e, ok := m.entries.LoadAndDelete(name)
	if !ok {
		return false
	}
	e.cancel()
	<-e.done
	return true
}

// StopAll cancels every source and waits for all of them.
func (m *Manager) StopAll() {
	m.entries.Range(func(name string, e *entry) bool {
		e.cancel()
		m.entries.Delete(name)
		return true
	})
	m.wg.Wait()
}

// Statuses reports every source the manager knows about.
func (m *Manager) Statuses() []Status {
	var out []Status
	m.entries.Range(func(name string, e *entry) bool {
		st := Status{Name: name, Channel: e.src.Channel().String()}
		select {
		case <-e.done:
		default:
			st.Running = true
		}
		e.mu.Lock()
		if e.err != nil && !errors.Is(e.err, context.Canceled) {
			st.Error = e.err.Error()
		}
		e.mu.Unlock()
		out = append(out, st)
		return true
	})
	return out
}
