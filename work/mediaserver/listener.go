package mediaserver

import (
	"errors"
	"net"

	"github.com/panjf2000/ants/v2"

	"mixreplace/work/metrics"
)

// acceptLoop hands every accepted connection to the worker pool until the
// listener fails. Any failure, including the listener being closed by Stop,
// ends the run so that no half-stopped state survives.
func (s *Server) acceptLoop(run *runState) {
	_, _, log := s.hooks()

	for {
		conn, err := run.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn("{mediaserver/listener - acceptLoop} accept failed on port %d: %v", run.port, err)
			}
			s.stopRun(run)
			return
		}

		s.dispatch(run, conn)
	}
}

// dispatch registers a session for conn and schedules it on the pool. When every
// worker is busy the client is told the service is unavailable right away.
func (s *Server) dispatch(run *runState, conn net.Conn) {
	_, _, log := s.hooks()

	sess := newSession(s, run, conn)
	s.sessions.Store(sess.id, sess)

	// Stop may have swept the session set between Accept and Store.
	if s.stopped.Load() {
		s.discard(sess)
		return
	}

	log.Debug("{mediaserver/listener - dispatch} accepted %s as session %s", conn.RemoteAddr(), sess.id)

	err := run.pool.Submit(func() {
		s.serve(sess)
	})
	if err == nil {
		return
	}

	if errors.Is(err, ants.ErrPoolOverload) {
		log.Warn("{mediaserver/listener - dispatch} worker pool exhausted, rejecting %s", conn.RemoteAddr())
		metrics.RejectedConnections.WithLabelValues("overload").Inc()
		sess.reject(StatusServiceUnavailable)
	} else {
		log.Debug("{mediaserver/listener - dispatch} dropping %s: %v", conn.RemoteAddr(), err)
	}
	s.discard(sess)
}

// discard closes a session that never reached a worker.
func (s *Server) discard(sess *session) {
	sess.shutdown()
	s.sessions.Delete(sess.id)
}
