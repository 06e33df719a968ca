package worker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgerun/forgerun/pkg/executor"
	"github.com/forgerun/forgerun/pkg/health"
	"github.com/forgerun/forgerun/pkg/log"
	"github.com/forgerun/forgerun/pkg/metrics"
	"github.com/forgerun/forgerun/pkg/security"
	"github.com/forgerun/forgerun/pkg/types"
	"github.com/forgerun/forgerun/pkg/wire"
)

// Config holds everything a Worker needs to connect to a broker and run
// jobs.
type Config struct {
	BrokerAddr  string
	Slots       int
	DataDir     string
	InlineLimit int64

	// TLSEnabled dials the broker with a client certificate loaded from
	// CertDir (node.crt/node.key/ca.crt, the layout security.SaveCertToFile
	// and security.SaveCACertToFile write), instead of a plain TCP dial.
	TLSEnabled bool
	CertDir    string
}

// Worker is a single control loop plus the bookkeeping it needs to
// service a broker's Enqueue/Cancel stream: one goroutine owns conn
// reads, one goroutine per in-flight job owns layer resolution and
// waiting on its outcome, the reaper owns its own locked OS thread, and
// the control loop goroutine handles every event and alone touches the
// slot counters. The job, reaper-channel and fetch maps are shared with
// the job goroutines and the reaper under mu.
type Worker struct {
	cfg Config

	conn    net.Conn
	connMu  sync.Mutex // serializes writes; reads are single-goroutine
	reader  *wire.FrameReader

	executor  *executor.Executor
	artifacts *localArtifacts

	events chan workerEvent
	stop   chan struct{}

	logger zerolog.Logger
	Tick   *health.TickTracker

	mu           sync.Mutex
	jobs         map[types.JobID]*runningJob
	termChan     map[int]chan executor.ChildStatus
	pendingFetch map[types.Digest][]chan fetchResult

	// running and queued bound in-flight execution to cfg.Slots: both are
	// only ever touched from the control loop goroutine inside handle, so
	// neither needs mu. The broker pipelines up to 2*slots jobs onto a
	// worker (one deep beyond what's currently running); queued holds the
	// overflow until a running job finishes.
	running int
	queued  []enqueueEvent
}

type runningJob struct {
	pid int
	rf  *rootfs
}

type fetchResult struct {
	found bool
	data  []byte
}

// workerEvent is the control loop's internal event type, the worker-side
// counterpart to pkg/scheduler's Event.
type workerEvent interface{ isWorkerEvent() }

type enqueueEvent struct {
	jobID types.JobID
	spec  types.JobSpec
}

func (enqueueEvent) isWorkerEvent() {}

type cancelEvent struct{ jobID types.JobID }

func (cancelEvent) isWorkerEvent() {}

type jobDoneEvent struct {
	jobID   types.JobID
	outcome types.Outcome
}

func (jobDoneEvent) isWorkerEvent() {}

type artifactReplyEvent struct {
	digest types.Digest
	found  bool
	data   []byte
}

func (artifactReplyEvent) isWorkerEvent() {}

// New dials the broker and returns a Worker ready to Run.
func New(cfg Config) (*Worker, error) {
	conn, err := dialBroker(cfg)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteHandshake(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing handshake: %w", err)
	}
	if err := wire.ReadHandshake(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading handshake: %w", err)
	}
	if err := wire.WriteFrame(conn, wire.KindRegister, wire.Register{Slots: cfg.Slots}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("registering with broker: %w", err)
	}

	artifacts, err := newLocalArtifacts(cfg.DataDir + "/artifacts")
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Worker{
		cfg:          cfg,
		conn:         conn,
		reader:       wire.NewFrameReader(conn),
		executor:     executor.New(cfg.InlineLimit),
		artifacts:    artifacts,
		events:       make(chan workerEvent, 64),
		stop:         make(chan struct{}),
		logger:       log.WithComponent("worker"),
		Tick:         health.NewTickTracker(30 * time.Second),
		jobs:         make(map[types.JobID]*runningJob),
		termChan:     make(map[int]chan executor.ChildStatus),
		pendingFetch: make(map[types.Digest][]chan fetchResult),
	}, nil
}

// dialBroker opens the transport-level connection to cfg.BrokerAddr,
// over TLS with a client certificate from cfg.CertDir when cfg.TLSEnabled.
func dialBroker(cfg Config) (net.Conn, error) {
	if !cfg.TLSEnabled {
		conn, err := net.Dial("tcp", cfg.BrokerAddr)
		if err != nil {
			return nil, fmt.Errorf("dialing broker %s: %w", cfg.BrokerAddr, err)
		}
		return conn, nil
	}

	cert, err := security.LoadCertFromFile(cfg.CertDir)
	if err != nil {
		return nil, fmt.Errorf("loading worker certificate from %s: %w", cfg.CertDir, err)
	}
	caCert, err := security.LoadCACertFromFile(cfg.CertDir)
	if err != nil {
		return nil, fmt.Errorf("loading cluster CA certificate from %s: %w", cfg.CertDir, err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}

	conn, err := tls.Dial("tcp", cfg.BrokerAddr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("dialing broker %s over TLS: %w", cfg.BrokerAddr, err)
	}
	return conn, nil
}

// Run drives the control loop until the connection closes or Stop is
// called. It blocks.
func (w *Worker) Run() error {
	readErrs := make(chan error, 1)
	go w.readLoop(readErrs)

	go w.reaperLoop()

	heartbeat := time.NewTicker(5 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case err := <-readErrs:
			return err
		case <-w.stop:
			return nil
		case <-heartbeat.C:
			w.sendHeartbeat()
		case ev := <-w.events:
			w.handle(ev)
		}
		w.Tick.Tick()
	}
}

// Stop signals the control loop to exit and closes the broker
// connection.
func (w *Worker) Stop() {
	close(w.stop)
	w.conn.Close()
}

func (w *Worker) writeFrame(kind string, payload any) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	return wire.WriteFrame(w.conn, kind, payload)
}

func (w *Worker) sendHeartbeat() {
	w.mu.Lock()
	pending := len(w.jobs)
	w.mu.Unlock()

	if err := w.writeFrame(wire.KindHeartbeat, wire.Heartbeat{Pending: pending}); err != nil {
		w.logger.Warn().Err(err).Msg("failed to send heartbeat")
	}
}

// readLoop owns the connection's read side: it decodes frames and
// translates them into workerEvents, the only thing it shares with the
// control loop goroutine. ArtifactReply's raw blob is read here too, in
// band, before the next envelope read resumes.
func (w *Worker) readLoop(errs chan<- error) {
	for {
		env, err := w.reader.ReadEnvelope()
		if err != nil {
			errs <- err
			return
		}

		switch env.Kind {
		case wire.KindEnqueue:
			var msg wire.Enqueue
			if err := wire.Unpack(env, &msg); err != nil {
				errs <- err
				return
			}
			w.events <- enqueueEvent{jobID: msg.JobID, spec: msg.Spec}

		case wire.KindCancel:
			var msg wire.Cancel
			if err := wire.Unpack(env, &msg); err != nil {
				errs <- err
				return
			}
			w.events <- cancelEvent{jobID: msg.JobID}

		case wire.KindArtifactReply:
			var msg wire.ArtifactReply
			if err := wire.Unpack(env, &msg); err != nil {
				errs <- err
				return
			}
			var blob []byte
			if msg.Found {
				blob, err = w.reader.ReadRawBlob()
				if err != nil {
					errs <- err
					return
				}
			}
			w.events <- artifactReplyEvent{digest: msg.Digest, found: msg.Found, data: blob}

		default:
			w.logger.Warn().Str("kind", env.Kind).Msg("ignoring unknown message kind")
		}
	}
}

// reaperLoop owns the process-reaping OS thread for the lifetime of the
// worker.
func (w *Worker) reaperLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	dummyPid, err := executor.CloneDummyChild()
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to start reaper dummy child; job exits will not be observed")
		return
	}

	executor.Run(&reaperDeps{w: w}, dummyPid)
}

type reaperDeps struct{ w *Worker }

func (d *reaperDeps) OnWaitError(err error) executor.ReaperInstruction {
	d.w.logger.Error().Err(err).Msg("reaper wait4 failed")
	return executor.ReaperContinue
}

func (d *reaperDeps) OnDummyChildTermination() executor.ReaperInstruction {
	return executor.ReaperStop
}

func (d *reaperDeps) OnUnexpectedWaitStatus(pid int) executor.ReaperInstruction {
	d.w.logger.Warn().Int("pid", pid).Msg("reaper saw an unexpected wait status")
	return executor.ReaperContinue
}

func (d *reaperDeps) OnChildTermination(pid int, status executor.ChildStatus) executor.ReaperInstruction {
	d.w.mu.Lock()
	ch, ok := d.w.termChan[pid]
	delete(d.w.termChan, pid)
	d.w.mu.Unlock()
	if ok {
		ch <- status
	}
	return executor.ReaperContinue
}

// handle dispatches one workerEvent. running and queued are only ever
// touched here, on the control loop goroutine; jobs, termChan and
// pendingFetch are also written by runJob, fetchLayer and the reaper,
// always under mu.
func (w *Worker) handle(ev workerEvent) {
	switch e := ev.(type) {
	case enqueueEvent:
		w.enqueueOrRun(e)
	case cancelEvent:
		w.cancelJob(e.jobID)
	case jobDoneEvent:
		w.finishJob(e.jobID, e.outcome)
		w.running--
		w.startNextQueued()
	case artifactReplyEvent:
		w.resolveFetch(e.digest, e.found, e.data)
	default:
		panic(fmt.Sprintf("worker: unhandled event %T", ev))
	}
}

// enqueueOrRun starts e immediately if a slot is free, otherwise buffers
// it behind whatever is already running.
func (w *Worker) enqueueOrRun(e enqueueEvent) {
	if w.running >= w.cfg.Slots {
		w.queued = append(w.queued, e)
		return
	}
	w.running++
	go w.runJob(e.jobID, e.spec)
}

// startNextQueued runs the oldest buffered job, if any, into the slot a
// just-finished job freed up.
func (w *Worker) startNextQueued() {
	if len(w.queued) == 0 {
		return
	}
	next := w.queued[0]
	w.queued = w.queued[1:]
	w.running++
	go w.runJob(next.jobID, next.spec)
}

// runJob resolves a job's layers, assembles its rootfs, launches it, and
// waits for both its output streams and its reaped exit status before
// handing a jobDoneEvent back to the control loop. It runs on its own
// goroutine so that fetchLayer's blocking wait for a broker reply never
// stalls the control loop that has to service that reply.
func (w *Worker) runJob(jobID types.JobID, spec types.JobSpec) {
	jobLog := log.WithJobID(jobID.String())

	layerPaths, err := w.resolveLayers(spec.Layers)
	if err != nil {
		jobLog.Error().Err(err).Msg("failed to resolve job layers")
		w.events <- jobDoneEvent{jobID: jobID, outcome: types.Outcome{Kind: types.OutcomeSystemError, Error: err.Error()}}
		return
	}

	rf, err := buildRootfs(w.cfg.DataDir, layerPaths, spec.WritableRootfs)
	if err != nil {
		jobLog.Error().Err(err).Msg("failed to assemble job rootfs")
		w.events <- jobDoneEvent{jobID: jobID, outcome: types.Outcome{Kind: types.OutcomeSystemError, Error: err.Error()}}
		return
	}

	timer := metrics.NewTimer()
	handle, startErr := w.executor.Start(spec, rf.mountpoint)
	if startErr != nil {
		timer.ObserveDuration(metrics.ExecutorDuration)
		rf.Close()
		jobLog.Error().Err(startErr).Str("kind", string(startErr.Kind)).Msg("job failed to start")
		w.events <- jobDoneEvent{jobID: jobID, outcome: types.Outcome{Kind: startErr.Kind, Error: startErr.Error()}}
		return
	}

	termCh := make(chan executor.ChildStatus, 1)
	w.mu.Lock()
	w.jobs[jobID] = &runningJob{pid: handle.Pid, rf: rf}
	w.termChan[handle.Pid] = termCh
	w.mu.Unlock()

	status := <-termCh
	stdout := <-handle.Stdout
	stderr := <-handle.Stderr
	timer.ObserveDuration(metrics.ExecutorDuration)

	outcome := types.Outcome{Stdout: stdout, Stderr: stderr}
	if status.Signaled {
		outcome.Kind = types.OutcomeSignaled
		outcome.Code = int(status.Code)
	} else {
		outcome.Kind = types.OutcomeExited
		outcome.Code = int(status.Code)
	}

	w.events <- jobDoneEvent{jobID: jobID, outcome: outcome}
}

// resolveLayers returns the local filesystem path for each of digests,
// in order, fetching any the worker hasn't pulled before from the
// broker first.
func (w *Worker) resolveLayers(digests []types.Digest) ([]string, error) {
	paths := make([]string, len(digests))
	for i, d := range digests {
		p, err := w.resolveLayer(d)
		if err != nil {
			return nil, err
		}
		paths[i] = p
	}
	return paths, nil
}

func (w *Worker) resolveLayer(digest types.Digest) (string, error) {
	if p, ok := w.artifacts.Lookup(digest); ok {
		return p, nil
	}
	return w.fetchLayer(digest)
}

// fetchLayer asks the broker for digest and blocks until readLoop
// delivers the answer via resolveFetch. Concurrent requests for the
// same digest from different job goroutines share one in-flight
// FetchArtifact and each get a copy of the result.
func (w *Worker) fetchLayer(digest types.Digest) (string, error) {
	resultCh := make(chan fetchResult, 1)

	w.mu.Lock()
	waiters, alreadyPending := w.pendingFetch[digest]
	w.pendingFetch[digest] = append(waiters, resultCh)
	w.mu.Unlock()

	if !alreadyPending {
		if err := w.writeFrame(wire.KindFetchArtifact, wire.FetchArtifact{Digest: digest}); err != nil {
			return "", fmt.Errorf("requesting artifact %s: %w", digest, err)
		}
	}

	result := <-resultCh
	if !result.found {
		return "", fmt.Errorf("artifact %s: broker does not have it cached", digest)
	}
	return w.artifacts.Store(digest, result.data)
}

func (w *Worker) resolveFetch(digest types.Digest, found bool, data []byte) {
	w.mu.Lock()
	waiters := w.pendingFetch[digest]
	delete(w.pendingFetch, digest)
	w.mu.Unlock()

	for _, ch := range waiters {
		ch <- fetchResult{found: found, data: data}
	}
}

func (w *Worker) finishJob(jobID types.JobID, outcome types.Outcome) {
	w.mu.Lock()
	job, ok := w.jobs[jobID]
	delete(w.jobs, jobID)
	w.mu.Unlock()

	if ok && job.rf != nil {
		if err := job.rf.Close(); err != nil {
			w.logger.Warn().Err(err).Str("job", jobID.String()).Msg("failed to tear down job rootfs")
		}
	}

	if outcome.Kind == types.OutcomeExited || outcome.Kind == types.OutcomeSignaled {
		metrics.JobsCompletedTotal.WithLabelValues(string(outcome.Kind)).Inc()
	}
	if err := w.writeFrame(wire.KindResult, wire.Result{JobID: jobID, Outcome: outcome}); err != nil {
		w.logger.Error().Err(err).Str("job", jobID.String()).Msg("failed to send job result")
	}
}

// cancelJob kills the job's init process, which owns pid 1 of its PID
// namespace and whose death tears down every descendant with it. There
// is no partial-result cancellation: by the time Cancel arrives the
// scheduler has already decided this job's fate (timeout or client
// disconnect), so whatever Result eventually follows is ignored
// broker-side as stale.
func (w *Worker) cancelJob(jobID types.JobID) {
	for i, e := range w.queued {
		if e.jobID == jobID {
			w.queued = append(w.queued[:i], w.queued[i+1:]...)
			return
		}
	}

	w.mu.Lock()
	job, ok := w.jobs[jobID]
	w.mu.Unlock()
	if !ok {
		return
	}
	if err := killProcess(job.pid); err != nil {
		w.logger.Warn().Err(err).Str("job", jobID.String()).Msg("failed to kill job process")
	}
}
