// Package broker implements the broker's connection-accept side: one
// listener, one goroutine draining scheduler events, and one goroutine
// per accepted connection translating wire frames into scheduler
// events and scheduler Sends back into wire frames.
package broker

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgerun/forgerun/pkg/cache"
	"github.com/forgerun/forgerun/pkg/config"
	"github.com/forgerun/forgerun/pkg/health"
	"github.com/forgerun/forgerun/pkg/log"
	"github.com/forgerun/forgerun/pkg/scheduler"
	"github.com/forgerun/forgerun/pkg/storage"
	"github.com/forgerun/forgerun/pkg/types"
	"github.com/forgerun/forgerun/pkg/wire"
)

// Server accepts client and worker connections and feeds the decoded
// frames into a Scheduler's single event-loop goroutine.
type Server struct {
	cfg   config.BrokerConfig
	sched *scheduler.Scheduler
	cache *cache.Cache

	events chan scheduler.Event
	stop   chan struct{}

	nextClientID uint32
	nextWorkerID uint32

	logger zerolog.Logger
	Tick   *health.TickTracker
}

// NewServer wires sched and cache to a not-yet-listening Server. Call
// ListenAndServe to start accepting connections; it blocks until Close.
// Tick is exported so the owning cmd/forge-broker process can mount its
// Handler at /healthz without this package reaching into net/http itself.
func NewServer(cfg config.BrokerConfig, sched *scheduler.Scheduler, c *cache.Cache) *Server {
	return &Server{
		cfg:    cfg,
		sched:  sched,
		cache:  c,
		events: make(chan scheduler.Event, 256),
		stop:   make(chan struct{}),
		logger: log.WithComponent("broker"),
		Tick:   health.NewTickTracker(30 * time.Second),
	}
}

// ListenAndServe runs the scheduler's timer wheel, the single event-loop
// goroutine that drains events into sched.Receive, and the connection
// accept loop. It blocks until the listener closes or Close is called.
// brokerID is this broker's stable identity, store its bbolt sidecar —
// both are only used when cfg.TLSEnabled to bootstrap and reuse the
// cluster CA and this broker's own node certificate.
func (s *Server) ListenAndServe(brokerID string, store storage.Store) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}
	if s.cfg.TLSEnabled {
		var ips []net.IP
		for _, raw := range s.cfg.TLSIPs {
			if ip := net.ParseIP(raw); ip != nil {
				ips = append(ips, ip)
			}
		}
		tlsCfg, err := serverTLSConfig(store, brokerID, s.cfg.TLSDNSNames, ips)
		if err != nil {
			ln.Close()
			return fmt.Errorf("building TLS config: %w", err)
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	defer ln.Close()
	go func() {
		<-s.stop
		ln.Close()
	}()

	go s.sched.StartTimers(s.events, s.stop)
	go s.runEventLoop()

	s.logger.Info().Str("addr", s.cfg.ListenAddr).Bool("tls", s.cfg.TLSEnabled).Msg("broker listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
				return fmt.Errorf("accepting connection: %w", err)
			}
		}
		go s.handleConn(conn)
	}
}

// Close stops the accept loop, the event loop, and the timer wheel.
func (s *Server) Close() {
	close(s.stop)
}

func (s *Server) runEventLoop() {
	for {
		select {
		case ev := <-s.events:
			s.sched.Receive(ev)
			s.Tick.Tick()
		case <-s.stop:
			return
		}
	}
}

// connSender adapts one net.Conn to scheduler.Sender. Writes are
// serialized with a mutex so one Send's frames never interleave with
// another's; an ArtifactReply's envelope and its raw blob frame go out
// back to back. Every Send in this package is made by the scheduler on
// the event-loop goroutine; handleConn only reads.
type connSender struct {
	conn net.Conn
	mu   chan struct{} // 1-buffered channel used as a non-reentrant mutex
}

func newConnSender(conn net.Conn) *connSender {
	cs := &connSender{conn: conn, mu: make(chan struct{}, 1)}
	cs.mu <- struct{}{}
	return cs
}

// Send implements scheduler.Sender. ArtifactReply is special-cased:
// Path never crosses the wire (it's tagged msgpack:"-"), so once the
// envelope itself is written, Found replies are followed by one raw
// length-prefixed frame carrying the file's bytes, matching what
// pkg/worker's readLoop expects to read immediately after.
func (s *connSender) Send(kind string, payload any) error {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()

	if err := wire.WriteFrame(s.conn, kind, payload); err != nil {
		return err
	}

	if kind != wire.KindArtifactReply {
		return nil
	}
	reply := payload.(wire.ArtifactReply)
	if !reply.Found {
		return nil
	}
	data, err := os.ReadFile(reply.Path)
	if err != nil {
		return fmt.Errorf("reading artifact %s at %s for streaming: %w", reply.Digest, reply.Path, err)
	}
	return wire.WriteRawBlob(s.conn, data)
}

// handleConn completes the handshake, then branches on whether the
// peer's first frame is a worker Register or a client message. Workers
// always register before anything else; clients never send Register,
// so any other first frame marks the connection as a client.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if err := wire.ReadHandshake(conn); err != nil {
		s.logger.Warn().Err(err).Msg("handshake failed")
		return
	}
	if err := wire.WriteHandshake(conn); err != nil {
		s.logger.Warn().Err(err).Msg("handshake failed")
		return
	}

	reader := wire.NewFrameReader(conn)
	env, err := reader.ReadEnvelope()
	if err != nil {
		s.logger.Warn().Err(err).Msg("reading first frame failed")
		return
	}

	sender := newConnSender(conn)

	if env.Kind == wire.KindRegister {
		var reg wire.Register
		if err := wire.Unpack(env, &reg); err != nil {
			s.logger.Warn().Err(err).Msg("decoding register message")
			return
		}
		s.serveWorker(reader, sender, reg)
		return
	}

	s.serveClient(reader, sender, env)
}

func (s *Server) serveWorker(reader *wire.FrameReader, sender *connSender, reg wire.Register) {
	id := types.WorkerID(atomic.AddUint32(&s.nextWorkerID, 1))
	s.events <- scheduler.WorkerConnected{ID: id, Slots: reg.Slots, Sender: sender}
	defer func() { s.events <- scheduler.WorkerDisconnected{ID: id} }()

	logger := s.logger.With().Uint32("worker_id", uint32(id)).Logger()

	for {
		env, err := reader.ReadEnvelope()
		if err != nil {
			logger.Info().Err(err).Msg("worker disconnected")
			return
		}

		switch env.Kind {
		case wire.KindResult:
			var msg wire.Result
			if err := wire.Unpack(env, &msg); err != nil {
				logger.Warn().Err(err).Msg("decoding result")
				continue
			}
			s.events <- scheduler.WorkerResult{ID: id, Job: msg.JobID, Outcome: msg.Outcome}

		case wire.KindFetchArtifact:
			var msg wire.FetchArtifact
			if err := wire.Unpack(env, &msg); err != nil {
				logger.Warn().Err(err).Msg("decoding fetch artifact")
				continue
			}
			s.events <- scheduler.GetArtifactForWorker{Digest: msg.Digest, Sender: sender}

		case wire.KindHeartbeat:
			var msg wire.Heartbeat
			if err := wire.Unpack(env, &msg); err != nil {
				logger.Warn().Err(err).Msg("decoding heartbeat")
				continue
			}
			logger.Debug().Int("pending", msg.Pending).Time("at", time.Now()).Msg("worker heartbeat")

		default:
			logger.Warn().Str("kind", env.Kind).Msg("ignoring unexpected message kind from worker")
		}
	}
}

func (s *Server) serveClient(reader *wire.FrameReader, sender *connSender, first *wire.Envelope) {
	id := types.ClientID(atomic.AddUint32(&s.nextClientID, 1))
	s.events <- scheduler.ClientConnected{ID: id, Sender: sender}
	defer func() { s.events <- scheduler.ClientDisconnected{ID: id} }()

	logger := s.logger.With().Uint32("client_id", uint32(id)).Logger()

	env := first
	for {
		switch env.Kind {
		case wire.KindSubmit:
			var msg wire.Submit
			if err := wire.Unpack(env, &msg); err != nil {
				logger.Warn().Err(err).Msg("decoding submit")
			} else {
				s.events <- scheduler.ClientSubmit{ID: id, ClientJobID: msg.ClientJobID, Spec: msg.Spec}
			}

		case wire.KindStatsRequest:
			s.events <- scheduler.ClientStatsRequest{ID: id}

		case wire.KindArtifactBlob:
			var msg wire.ArtifactBlob
			if err := wire.Unpack(env, &msg); err != nil {
				logger.Warn().Err(err).Msg("decoding artifact blob")
				break
			}
			path, err := s.cache.Store(msg.Digest, msg.Bytes)
			if err != nil {
				logger.Error().Err(err).Str("digest", msg.Digest.String()).Msg("failed to store uploaded artifact")
				break
			}
			s.events <- scheduler.GotArtifact{Digest: msg.Digest, Path: path, Bytes: int64(len(msg.Bytes))}

		default:
			logger.Warn().Str("kind", env.Kind).Msg("ignoring unexpected message kind from client")
		}

		next, err := reader.ReadEnvelope()
		if err != nil {
			logger.Info().Err(err).Msg("client disconnected")
			return
		}
		env = next
	}
}
