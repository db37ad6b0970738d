package mediaserver

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"mixreplace/work/buffer"
	"mixreplace/work/logger"
	"mixreplace/work/metrics"
	"mixreplace/work/types"
	"mixreplace/work/utils"
)

// Defaults applied by New.
const (
	DefaultContentType      = "image/jpeg"
	DefaultServerName       = "DevicePlugin Server"
	DefaultFPS              = 30
	DefaultRejectSlots      = types.MaxClientSize
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 30 * time.Second

	// MinPort is the lowest port SetPort accepts.
	MinPort = 1000

	// Ports probed in order when no port is configured.
	ProbePortFirst = 9000
	ProbePortLast  = 9999
)

// Callback observes connections accepted by the server.
type Callback interface {
	// OnAccept is called before the request is read. Returning false answers
	// the connection with 500 and closes it.
	OnAccept(conn net.Conn) bool

	// OnClose is called when a session that started streaming ends.
	OnClose(conn net.Conn)
}

// HistoryRecorder persists a summary of each streaming session once it ends.
type HistoryRecorder interface {
	RecordSession(info types.SessionInfo) error
}

// FrameObserver is invoked with every frame accepted by OfferMedia.
type FrameObserver func(ch types.Channel, media []byte)

// settings are the tunables captured when the server starts. Changing a setter
// while running affects the next Start.
type settings struct {
	boundary         string
	contentType      string
	serverName       string
	fps              int
	maxClients       int
	rejectSlots      int
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
}

// runState is everything owned by one Start/Stop cycle.
type runState struct {
	ln     net.Listener
	port   int
	token  string
	pool   *ants.Pool
	opts   settings
	closed chan struct{}
}

// Server streams the most recent frames of each channel to every connected
// client as a multipart/x-mixed-replace response over a plain TCP socket.
//
// Producers hand frames to OfferMedia, which copies nothing and never blocks:
// each live session keeps a small drop-oldest queue per channel that its own
// worker drains at the configured frame rate. All methods are safe for
// concurrent use.
type Server struct {
	mu   sync.Mutex // guards cfg, port, run, callback, history and observer
	cfg  settings
	port int
	run  *runState

	stopped  atomic.Bool
	admitted atomic.Int32
	sessions *xsync.MapOf[string, *session]

	callback  Callback
	history   HistoryRecorder
	observer  FrameObserver
	obfuscate bool

	bufPool *buffer.BufferPool
	log     *logger.Logger
}

// New creates a stopped server with a fresh random boundary and default settings.
func New() *Server {
	s := &Server{
		cfg: settings{
			boundary:         uuid.NewString(),
			contentType:      DefaultContentType,
			serverName:       DefaultServerName,
			fps:              DefaultFPS,
			maxClients:       types.MaxClientSize,
			rejectSlots:      DefaultRejectSlots,
			handshakeTimeout: DefaultHandshakeTimeout,
			writeTimeout:     DefaultWriteTimeout,
		},
		sessions: xsync.NewMapOf[string, *session](),
		bufPool:  buffer.NewBufferPool(512),
		log:      logger.Default(),
	}
	s.stopped.Store(true)
	return s
}

// SetLogger replaces the logger used by the server and its sessions.
func (s *Server) SetLogger(l *logger.Logger) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = l
}

// SetObfuscateURLs masks path tokens in log output when enabled.
func (s *Server) SetObfuscateURLs(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obfuscate = enabled
}

// SetPort fixes the port used by the next Start. Ports below MinPort are rejected.
func (s *Server) SetPort(port int) error {
	if port < MinPort {
		return fmt.Errorf("%w: port %d is below %d", ErrConfiguration, port, MinPort)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.port = port
	return nil
}

// SetBoundary replaces the multipart boundary token.
func (s *Server) SetBoundary(boundary string) error {
	if boundary == "" {
		return fmt.Errorf("%w: boundary is empty", ErrConfiguration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.boundary = boundary
	return nil
}

// SetContentType sets the Content-Type announced for every frame.
func (s *Server) SetContentType(contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.contentType = contentType
}

// SetServerName sets the value of the Server response header.
func (s *Server) SetServerName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.serverName = name
}

// SetFPS sets how many frames per second each session may send.
func (s *Server) SetFPS(fps int) error {
	if fps < 1 {
		return fmt.Errorf("%w: fps must be positive, got %d", ErrConfiguration, fps)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.fps = fps
	return nil
}

// SetMaxClients sets how many sessions may stream at once and how many extra
// workers are reserved for answering connections turned away.
func (s *Server) SetMaxClients(maxClients, rejectSlots int) error {
	if maxClients < 1 {
		return fmt.Errorf("%w: maxClients must be positive, got %d", ErrConfiguration, maxClients)
	}
	if rejectSlots < 0 {
		return fmt.Errorf("%w: rejectSlots must not be negative, got %d", ErrConfiguration, rejectSlots)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.maxClients = maxClients
	s.cfg.rejectSlots = rejectSlots
	return nil
}

// SetTimeouts bounds how long a client may take to send its request and how
// long a single frame write may block. Zero disables the respective deadline.
func (s *Server) SetTimeouts(handshake, write time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.handshakeTimeout = handshake
	s.cfg.writeTimeout = write
}

// SetCallback installs connection hooks. Pass nil to remove them.
func (s *Server) SetCallback(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

// SetHistory installs a recorder for finished sessions. Pass nil to remove it.
func (s *Server) SetHistory(h HistoryRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = h
}

// SetFrameObserver installs a function called with every offered frame.
func (s *Server) SetFrameObserver(fn FrameObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// Start binds the listening socket and begins accepting clients. With a port
// set it binds exactly that port; otherwise it probes ProbePortFirst through
// ProbePortLast and takes the first free one. It returns false and leaves the
// server stopped if binding fails or the server is already running.
func (s *Server) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil {
		s.log.Warn("{mediaserver/server - Start} %v", ErrAlreadyRunning)
		return false
	}

	ln, port, err := s.listen()
	if err != nil {
		s.log.Error("{mediaserver/server - Start} %v", err)
		return false
	}

	opts := s.cfg
	pool, err := ants.NewPool(opts.maxClients+opts.rejectSlots,
		ants.WithNonblocking(true),
		ants.WithLogger(s.log),
		ants.WithPanicHandler(func(p interface{}) {
			s.log.Error("{mediaserver/server - worker} session panicked: %v", p)
			metrics.SessionErrors.WithLabelValues("unknown", "panic").Inc()
		}),
	)
	if err != nil {
		ln.Close()
		s.log.Error("{mediaserver/server - Start} failed to create worker pool: %v", err)
		return false
	}

	run := &runState{
		ln:     ln,
		port:   port,
		token:  uuid.NewString(),
		pool:   pool,
		opts:   opts,
		closed: make(chan struct{}),
	}
	s.run = run
	s.stopped.Store(false)
	metrics.ServerRunning.Set(1)

	s.log.Info("{mediaserver/server - Start} listening on port %d (fps=%d, maxClients=%d)", port, opts.fps, opts.maxClients)
	for _, ch := range types.Channels {
		s.log.Debug("{mediaserver/server - Start} %s stream at %s", ch, utils.LogURL(s.obfuscate, s.urlLocked(ch)))
	}

	go s.acceptLoop(run)
	return true
}

// listen binds the configured port or probes the fallback range.
func (s *Server) listen() (net.Listener, int, error) {
	if s.port != 0 {
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.port))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: port %d: %v", ErrBindExhausted, s.port, err)
		}
		return ln, s.port, nil
	}

	for port := ProbePortFirst; port <= ProbePortLast; port++ {
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: ports %d-%d are all in use", ErrBindExhausted, ProbePortFirst, ProbePortLast)
}

// Stop closes the listener and every session and forgets the path token.
// It is safe to call at any time and from any goroutine; extra calls do nothing.
func (s *Server) Stop() {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()

	if run != nil {
		s.stopRun(run)
	}
}

// stopRun tears down run if it is still the current cycle. The accept loop
// uses it so that a late accept error cannot stop a newer cycle.
func (s *Server) stopRun(run *runState) {
	s.mu.Lock()
	if s.run != run {
		s.mu.Unlock()
		return
	}
	s.run = nil
	s.stopped.Store(true)
	s.mu.Unlock()

	s.sessions.Range(func(_ string, sess *session) bool {
		sess.shutdown()
		return true
	})

	if err := run.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("{mediaserver/server - Stop} closing listener: %v", err)
	}
	run.pool.Release()
	close(run.closed)

	metrics.ServerRunning.Set(0)
	s.log.Info("{mediaserver/server - Stop} media server on port %d stopped", run.port)
}

// OfferMedia queues media on channel ch for every connected session. It returns
// immediately; a session whose queue is full loses its oldest frame. Calls made
// while stopped, with an unknown channel or with nil media are ignored.
func (s *Server) OfferMedia(ch types.Channel, media []byte) {
	if s.stopped.Load() || !ch.Valid() || media == nil {
		return
	}

	label := ch.String()
	metrics.FramesOffered.WithLabelValues(label).Inc()
	metrics.BytesTransferred.WithLabelValues(label, "in").Add(float64(len(media)))

	s.sessions.Range(func(_ string, sess *session) bool {
		if sess.queues[ch].Offer(media) && sess.subscribed(ch) {
			metrics.FramesDropped.WithLabelValues(label).Inc()
		}
		return true
	})

	s.mu.Lock()
	observer := s.observer
	s.mu.Unlock()
	if observer != nil {
		observer(ch, media)
	}
}

// URL returns the stream address for ch, or "" when stopped or ch is unknown.
func (s *Server) URL(ch types.Channel) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.urlLocked(ch)
}

func (s *Server) urlLocked(ch types.Channel) string {
	if s.run == nil || !ch.Valid() {
		return ""
	}
	return "http://localhost:" + strconv.Itoa(s.run.port) + ch.VideoPath(s.run.token)
}

// IsRunning reports whether the server is accepting clients.
func (s *Server) IsRunning() bool {
	return !s.stopped.Load()
}

// Port returns the bound port while running and the configured port otherwise.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return s.run.port
	}
	return s.port
}

// Boundary returns the multipart boundary token.
func (s *Server) Boundary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.boundary
}

// ContentType returns the per-frame Content-Type.
func (s *Server) ContentType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.contentType
}

// ServerName returns the Server header value.
func (s *Server) ServerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.serverName
}

// FPS returns the configured frame rate.
func (s *Server) FPS() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.fps
}

// MaxClients returns how many sessions may stream at once.
func (s *Server) MaxClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.maxClients
}

// IsEmptyConnection reports whether no client is connected.
func (s *Server) IsEmptyConnection() bool {
	return s.sessions.Size() == 0
}

// SessionCount returns the number of sessions currently streaming.
func (s *Server) SessionCount() int {
	return int(s.admitted.Load())
}

// Sessions returns a snapshot of every session currently streaming.
func (s *Server) Sessions() []types.SessionInfo {
	var out []types.SessionInfo
	s.sessions.Range(func(_ string, sess *session) bool {
		if sess.isAdmitted() {
			out = append(out, sess.info(""))
		}
		return true
	})
	return out
}

// Done returns a channel closed when the current run stops, or nil when stopped.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.closed
}

func (s *Server) hooks() (Callback, HistoryRecorder, *logger.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callback, s.history, s.log
}
