package watcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixreplace/work/cache"
	"mixreplace/work/types"
)

type fakeServer struct {
	mu       sync.Mutex
	running  bool
	startOK  bool
	starts   int
	sessions []types.SessionInfo
}

func (f *fakeServer) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeServer) Start() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startOK {
		f.running = true
	}
	return f.startOK
}

func (f *fakeServer) Sessions() []types.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func (f *fakeServer) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func newWatcher(srv *fakeServer, frames FrameSource, maxFailures int) *Watcher {
	return New(func() Server { return srv }, frames, time.Hour, maxFailures)
}

func TestRestartsUnexpectedlyStoppedServer(t *testing.T) {
	srv := &fakeServer{startOK: true}
	w := newWatcher(srv, cache.NewFrameCache(time.Minute), 3)
	w.SetWanted(true)

	w.check()
	assert.True(t, srv.IsRunning())
	assert.Equal(t, 1, srv.startCount())
}

func TestLeavesIntentionallyStoppedServer(t *testing.T) {
	srv := &fakeServer{startOK: true}
	w := newWatcher(srv, cache.NewFrameCache(time.Minute), 3)
	w.SetWanted(false)

	w.check()
	assert.False(t, srv.IsRunning())
	assert.Zero(t, srv.startCount())
}

func TestGivesUpAfterMaxFailures(t *testing.T) {
	srv := &fakeServer{startOK: false}
	w := newWatcher(srv, cache.NewFrameCache(time.Minute), 2)
	w.SetWanted(true)

	for i := 0; i < 5; i++ {
		w.check()
	}
	assert.Equal(t, 2, srv.startCount())
	assert.Equal(t, 2, w.Failures())

	w.SetWanted(true)
	w.check()
	assert.Equal(t, 3, srv.startCount())
}

func TestFlagsStalledChannels(t *testing.T) {
	frames := cache.NewFrameCache(time.Minute)
	srv := &fakeServer{running: true, sessions: []types.SessionInfo{{ID: "a", Channel: "local"}}}
	w := newWatcher(srv, frames, 3)

	w.check()
	assert.True(t, w.Stalled(types.ChannelLocal))
	assert.False(t, w.Stalled(types.ChannelRemote))

	frames.Store(types.ChannelLocal, []byte("frame"))
	w.check()
	assert.False(t, w.Stalled(types.ChannelLocal))
}

func TestNilServerIsIgnored(t *testing.T) {
	w := New(func() Server { return nil }, cache.NewFrameCache(time.Minute), time.Hour, 1)
	w.SetWanted(true)
	assert.NotPanics(t, w.check)
}

func TestStartStop(t *testing.T) {
	srv := &fakeServer{startOK: true}
	w := New(func() Server { return srv }, cache.NewFrameCache(time.Minute), 10*time.Millisecond, 3)
	w.SetWanted(true)

	w.Start()
	w.Start()
	require.Eventually(t, srv.IsRunning, time.Second, 5*time.Millisecond)

	w.Stop()
	w.Stop()
}
