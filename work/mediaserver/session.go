package mediaserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/ratelimit"

	"mixreplace/work/buffer"
	"mixreplace/work/logger"
	"mixreplace/work/metrics"
	"mixreplace/work/parser"
	"mixreplace/work/types"
)

// rejectTimeout bounds the write of an error response to a client.
const rejectTimeout = 2 * time.Second

// Close reasons recorded in session history.
const (
	reasonServerStopped  = "server stopped"
	reasonClientGone     = "client disconnected"
	reasonWriteFailed    = "write failed"
	reasonBadRequest     = "bad request"
	reasonCapacity       = "capacity exceeded"
	reasonRefused        = "refused"
	reasonNoRequest      = "no request"
	reasonHandshakeError = "handshake failed"
)

// session is one accepted connection together with its per-channel frame queues.
type session struct {
	id   string
	srv  *Server
	run  *runState
	conn net.Conn
	w    *bufio.Writer

	queues [types.NumChannels]*buffer.FrameQueue

	channel     atomic.Int32 // subscribed channel, -1 until routed
	admitted    atomic.Bool
	connectedAt time.Time
	framesSent  atomic.Int64
	bytesSent   atomic.Int64

	closeOnce sync.Once
}

func newSession(s *Server, run *runState, conn net.Conn) *session {
	sess := &session{
		id:          uuid.NewString(),
		srv:         s,
		run:         run,
		conn:        conn,
		w:           bufio.NewWriterSize(conn, 32*1024),
		connectedAt: time.Now(),
	}
	for i := range sess.queues {
		sess.queues[i] = buffer.NewFrameQueue(types.MaxMediaCache)
	}
	sess.channel.Store(-1)
	return sess
}

// serve runs the whole life of one connection on a pool worker: handshake,
// admission, streaming and cleanup.
func (s *Server) serve(sess *session) {
	cb, history, log := s.hooks()
	reason := reasonServerStopped

	defer func() {
		s.finish(sess, cb, history, log, reason)
	}()

	if cb != nil && !cb.OnAccept(sess.conn) {
		log.Info("{mediaserver/session - serve} %s refused by accept callback", sess.conn.RemoteAddr())
		metrics.RejectedConnections.WithLabelValues("refused").Inc()
		sess.reject(StatusInternalServerError)
		reason = reasonRefused
		return
	}

	req, err := sess.readRequest()
	if err != nil {
		if errors.Is(err, io.EOF) {
			reason = reasonNoRequest
			return
		}
		log.Debug("{mediaserver/session - serve} %s: %v", sess.conn.RemoteAddr(), err)
		metrics.RejectedConnections.WithLabelValues("bad_request").Inc()
		sess.reject(StatusBadRequest)
		reason = reasonHandshakeError
		return
	}

	ch, err := req.Channel(sess.run.token)
	if err != nil {
		log.Debug("{mediaserver/session - serve} %s: %v", sess.conn.RemoteAddr(), err)
		metrics.RejectedConnections.WithLabelValues("bad_request").Inc()
		sess.reject(StatusBadRequest)
		reason = reasonBadRequest
		return
	}

	if !s.admit(sess.run.opts.maxClients) {
		log.Warn("{mediaserver/session - serve} %s rejected: %v (%d sessions)", sess.conn.RemoteAddr(), ErrCapacity, s.admitted.Load())
		metrics.RejectedConnections.WithLabelValues("capacity").Inc()
		sess.reject(StatusServiceUnavailable)
		reason = reasonCapacity
		return
	}
	sess.channel.Store(int32(ch))
	sess.admitted.Store(true)
	metrics.ActiveSessions.WithLabelValues(ch.String()).Inc()

	log.Info("{mediaserver/session - serve} %s streaming %s channel (session %s)", sess.conn.RemoteAddr(), ch, sess.id)

	reason = sess.stream(ch, log)
}

// admit takes one streaming slot if fewer than limit are in use.
func (s *Server) admit(limit int) bool {
	for {
		n := s.admitted.Load()
		if int(n) >= limit {
			return false
		}
		if s.admitted.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// finish releases everything the session holds. It runs exactly once per
// served session, whichever way serve returned.
func (s *Server) finish(sess *session, cb Callback, history HistoryRecorder, log *logger.Logger, reason string) {
	sess.shutdown()
	s.sessions.Delete(sess.id)

	if !sess.admitted.Load() {
		return
	}

	s.admitted.Add(-1)
	ch := types.Channel(sess.channel.Load())
	metrics.ActiveSessions.WithLabelValues(ch.String()).Dec()

	info := sess.info(reason)
	log.Info("{mediaserver/session - finish} session %s closed (%s): %d frames, %d bytes, %d dropped",
		sess.id, reason, info.FramesSent, info.BytesSent, info.FramesDropped)

	if cb != nil {
		cb.OnClose(sess.conn)
	}
	if history != nil {
		if err := history.RecordSession(info); err != nil {
			log.Warn("{mediaserver/session - finish} failed to record session %s: %v", sess.id, err)
		}
	}
}

// readRequest performs the single bounded read that carries the request.
func (sess *session) readRequest() (*parser.Request, error) {
	if d := sess.run.opts.handshakeTimeout; d > 0 {
		sess.conn.SetReadDeadline(time.Now().Add(d))
	}

	buf := make([]byte, parser.MaxRequestSize)
	n, err := sess.conn.Read(buf)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		if errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	sess.conn.SetReadDeadline(time.Time{})
	return parser.ParseRequest(buf[:n])
}

// stream writes the multipart header and then one part per queued frame,
// paced to the configured rate, until the server stops or the client goes away.
func (sess *session) stream(ch types.Channel, log *logger.Logger) string {
	opts := sess.run.opts
	label := ch.String()

	if err := sess.writeHeader(); err != nil {
		metrics.SessionErrors.WithLabelValues(label, "header").Inc()
		return reasonWriteFailed
	}

	go sess.watchPeer()

	limiter := ratelimit.New(opts.fps, ratelimit.WithoutSlack)
	q := sess.queues[ch]

	for !sess.srv.stopped.Load() {
		limiter.Take()

		frame, ok, closed := q.Poll()
		if closed {
			if sess.srv.stopped.Load() {
				return reasonServerStopped
			}
			return reasonClientGone
		}
		if !ok {
			continue
		}

		if err := sess.writeFrame(frame); err != nil {
			metrics.SessionErrors.WithLabelValues(label, "write").Inc()
			log.Debug("{mediaserver/session - stream} session %s: %v", sess.id, err)
			return reasonWriteFailed
		}
		metrics.FramesSent.WithLabelValues(label).Inc()
		metrics.BytesTransferred.WithLabelValues(label, "out").Add(float64(len(frame)))
	}
	return reasonServerStopped
}

// watchPeer drains anything the client sends after its request. A read error
// such as a reset closes the queues so an idle stream notices a dead peer. EOF
// only means the client half-closed its side; it may still be reading, so
// streaming goes on until a write fails.
func (sess *session) watchPeer() {
	if _, err := io.Copy(io.Discard, sess.conn); err != nil {
		sess.closeQueues()
	}
}

func (sess *session) writeHeader() error {
	opts := sess.run.opts
	buf := sess.srv.bufPool.Get()
	defer sess.srv.bufPool.Put(buf)

	appendStreamHeader(buf, opts.serverName, opts.boundary)
	return sess.write(buf.B, nil)
}

func (sess *session) writeFrame(frame []byte) error {
	opts := sess.run.opts
	buf := sess.srv.bufPool.Get()
	defer sess.srv.bufPool.Put(buf)

	appendPartHeader(buf, opts.boundary, opts.contentType, len(frame))
	if err := sess.write(buf.B, frame); err != nil {
		return err
	}
	sess.framesSent.Add(1)
	sess.bytesSent.Add(int64(len(frame)))
	return nil
}

// write sends head, an optional frame and, for frames, the part trailer as one
// flushed unit under the write deadline.
func (sess *session) write(head, frame []byte) error {
	if d := sess.run.opts.writeTimeout; d > 0 {
		sess.conn.SetWriteDeadline(time.Now().Add(d))
	}

	if _, err := sess.w.Write(head); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if frame != nil {
		if _, err := sess.w.Write(frame); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if _, err := sess.w.WriteString(partTrailer); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
	if err := sess.w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// reject answers with a body-less error response. Failures are ignored; the
// connection is closed right after either way.
func (sess *session) reject(status int) {
	buf := sess.srv.bufPool.Get()
	defer sess.srv.bufPool.Put(buf)

	appendErrorResponse(buf, sess.run.opts.serverName, status)
	sess.conn.SetWriteDeadline(time.Now().Add(rejectTimeout))
	sess.w.Write(buf.B)
	sess.w.Flush()
}

func (sess *session) closeQueues() {
	for _, q := range sess.queues {
		q.Close()
	}
}

// shutdown closes the queues and the socket, unblocking any pending write.
func (sess *session) shutdown() {
	sess.closeOnce.Do(func() {
		sess.closeQueues()
		sess.conn.Close()
	})
}

func (sess *session) subscribed(ch types.Channel) bool {
	return sess.admitted.Load() && sess.channel.Load() == int32(ch)
}

func (sess *session) isAdmitted() bool {
	return sess.admitted.Load()
}

func (sess *session) info(reason string) types.SessionInfo {
	info := types.SessionInfo{
		ID:          sess.id,
		RemoteAddr:  sess.conn.RemoteAddr().String(),
		ConnectedAt: sess.connectedAt,
		FramesSent:  sess.framesSent.Load(),
		BytesSent:   sess.bytesSent.Load(),
		CloseReason: reason,
	}
	if ch := types.Channel(sess.channel.Load()); ch.Valid() {
		info.Channel = ch.String()
		info.FramesDropped = sess.queues[ch].Dropped()
	}
	if reason != "" {
		info.ClosedAt = time.Now()
	}
	return info
}
