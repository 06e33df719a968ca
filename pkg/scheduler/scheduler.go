package scheduler

import (
	"fmt"
	"time"

	"github.com/forgerun/forgerun/pkg/heap"
	"github.com/forgerun/forgerun/pkg/log"
	"github.com/forgerun/forgerun/pkg/metrics"
	"github.com/forgerun/forgerun/pkg/types"
	"github.com/forgerun/forgerun/pkg/wire"
	"github.com/rs/zerolog"
)

// execution tracks one submitted job's layer bookkeeping between
// submission and dispatch (or, if it never acquires every layer,
// indefinitely until its client disconnects).
type execution struct {
	spec     types.JobSpec
	acquired map[types.Digest]struct{}
	missing  map[types.Digest]struct{}
}

func newExecution(spec types.JobSpec) *execution {
	return &execution{
		spec:     spec,
		acquired: make(map[types.Digest]struct{}),
		missing:  make(map[types.Digest]struct{}),
	}
}

type client struct {
	sender Sender
	jobs   map[types.ClientJobID]*execution
}

type worker struct {
	slots   int
	pending map[types.JobID]struct{}
	sender  Sender
	elem    *heap.Element
}

// Scheduler is the broker's single-threaded event loop: every client
// connection, worker connection, and cache callback funnels into
// Receive, which runs to completion before the next event is
// processed. There is deliberately no locking anywhere in this type —
// correctness comes from never running two events concurrently, not
// from mutex discipline.
type Scheduler struct {
	cache   Cache
	clients map[types.ClientID]*client
	workers map[types.WorkerID]*worker
	queue   runQueue
	heap    *heap.Heap
	timers  *TimerWheel
	// dispatchedTo tracks which worker is running a job, so a fired
	// timeout can find it without scanning every worker's pending set.
	dispatchedTo map[types.JobID]types.WorkerID
	logger       zerolog.Logger
}

// New creates a Scheduler backed by the given artifact cache, with a
// one-second-tick, one-hour-span timer wheel for job timeouts.
func New(cache Cache) *Scheduler {
	return &Scheduler{
		cache:        cache,
		clients:      make(map[types.ClientID]*client),
		workers:      make(map[types.WorkerID]*worker),
		heap:         heap.New(),
		timers:       NewTimerWheel(time.Second, 3600),
		dispatchedTo: make(map[types.JobID]types.WorkerID),
		logger:       log.WithComponent("scheduler"),
	}
}

// StartTimers runs the scheduler's timeout wheel, pushing TimerFired
// events onto events and blocking until stop is closed. The caller runs
// it on a goroutine of its own; the events it pushes are drained into
// Receive by the event-loop goroutine, so Scheduler state is still only
// mutated on one thread (the wheel guards itself with its own mutex).
func (s *Scheduler) StartTimers(events chan<- Event, stop <-chan struct{}) {
	s.timers.Run(events, stop)
}

// Receive processes one event to completion. It must only ever be
// called from a single goroutine.
func (s *Scheduler) Receive(event Event) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.DispatchLatency)
		metrics.RunQueueDepth.Set(float64(s.queue.Len()))
		metrics.ConnectedClients.Set(float64(len(s.clients)))
		metrics.ConnectedWorkers.Set(float64(len(s.workers)))

		var slots, pending float64
		for _, w := range s.workers {
			slots += float64(w.slots)
			pending += float64(len(w.pending))
		}
		metrics.WorkerSlotsTotal.Set(slots)
		metrics.WorkerPendingTotal.Set(pending)
	}()

	switch e := event.(type) {
	case ClientConnected:
		metrics.EventsTotal.WithLabelValues("client_connected").Inc()
		s.receiveClientConnected(e.ID, e.Sender)
	case ClientDisconnected:
		metrics.EventsTotal.WithLabelValues("client_disconnected").Inc()
		metrics.ClientDisconnectsTotal.Inc()
		s.receiveClientDisconnected(e.ID)
	case ClientSubmit:
		metrics.EventsTotal.WithLabelValues("client_submit").Inc()
		s.receiveClientSubmit(e.ID, e.ClientJobID, e.Spec)
	case ClientStatsRequest:
		metrics.EventsTotal.WithLabelValues("client_stats_request").Inc()
		s.receiveClientStatsRequest(e.ID)
	case WorkerConnected:
		metrics.EventsTotal.WithLabelValues("worker_connected").Inc()
		s.receiveWorkerConnected(e.ID, e.Slots, e.Sender)
	case WorkerDisconnected:
		metrics.EventsTotal.WithLabelValues("worker_disconnected").Inc()
		metrics.WorkerDisconnectsTotal.Inc()
		s.receiveWorkerDisconnected(e.ID)
	case WorkerResult:
		metrics.EventsTotal.WithLabelValues("worker_result").Inc()
		s.receiveWorkerResult(e.ID, e.Job, e.Outcome)
	case GotArtifact:
		metrics.EventsTotal.WithLabelValues("got_artifact").Inc()
		s.receiveGotArtifact(e.Digest, e.Path, e.Bytes)
	case GetArtifactForWorker:
		metrics.EventsTotal.WithLabelValues("get_artifact_for_worker").Inc()
		s.receiveGetArtifactForWorker(e.Digest, e.Sender)
	case DecrementRefcount:
		metrics.EventsTotal.WithLabelValues("decrement_refcount").Inc()
		s.cache.DecrementRefcount(e.Digest)
	case TimerFired:
		metrics.EventsTotal.WithLabelValues("timer_fired").Inc()
		s.receiveTimerFired(e.Jobs)
	default:
		panic(fmt.Sprintf("scheduler: unhandled event type %T", event))
	}
}

// tryDispatch pushes queued jobs onto workers until either the queue
// drains or every worker has hit the 2x-slots backpressure limit. It
// is the only place jobs move from queue to worker, so every code
// path that might make a worker schedulable again must call it.
func (s *Scheduler) tryDispatch() {
	for s.queue.Len() > 0 && s.heap.Len() > 0 {
		top := s.heap.Peek()
		w := s.workers[top.ID]

		if len(w.pending) == 2*w.slots {
			break
		}

		jobID, _ := s.queue.PopFront()
		exec := s.clients[jobID.Client].jobs[jobID.Job]

		if err := w.sender.Send(wire.KindEnqueue, wire.Enqueue{JobID: jobID, Spec: exec.spec}); err != nil {
			s.logger.Warn().Err(err).Uint32("worker_id", uint32(top.ID)).Msg("failed to send enqueue to worker")
		}

		w.pending[jobID] = struct{}{}
		top.Pending++
		s.heap.Fix(top)
		s.dispatchedTo[jobID] = top.ID
		if exec.spec.Timeout > 0 {
			s.timers.Schedule(jobID, exec.spec.Timeout)
		}

		metrics.JobsDispatchedTotal.Inc()
	}
}

func (s *Scheduler) receiveClientConnected(id types.ClientID, sender Sender) {
	if _, exists := s.clients[id]; exists {
		panic(fmt.Sprintf("scheduler: duplicate client connected: %d", id))
	}
	s.clients[id] = &client{sender: sender, jobs: make(map[types.ClientJobID]*execution)}
}

func (s *Scheduler) receiveClientDisconnected(id types.ClientID) {
	c, exists := s.clients[id]
	if !exists {
		panic(fmt.Sprintf("scheduler: disconnect from unknown client: %d", id))
	}

	s.cache.ClientDisconnected(id)

	for _, exec := range c.jobs {
		for digest := range exec.acquired {
			s.cache.DecrementRefcount(digest)
		}
	}
	delete(s.clients, id)

	s.queue.Retain(func(jobID types.JobID) bool {
		return jobID.Client != id
	})

	for wid, w := range s.workers {
		for jobID := range w.pending {
			if jobID.Client != id {
				continue
			}
			if err := w.sender.Send(wire.KindCancel, wire.Cancel{JobID: jobID}); err != nil {
				s.logger.Warn().Err(err).Uint32("worker_id", uint32(wid)).Msg("failed to send cancel to worker")
			}
			delete(w.pending, jobID)
			s.timers.Cancel(jobID)
			delete(s.dispatchedTo, jobID)
		}
		w.elem.Pending = len(w.pending)
		s.heap.Fix(w.elem)
	}

	s.tryDispatch()
}

func (s *Scheduler) receiveClientSubmit(cid types.ClientID, ceid types.ClientJobID, spec types.JobSpec) {
	c, exists := s.clients[cid]
	if !exists {
		panic(fmt.Sprintf("scheduler: submission from unknown client: %d", cid))
	}

	jobID := types.JobID{Client: cid, Job: ceid}
	exec := newExecution(spec)

	for _, layer := range spec.Layers {
		switch s.cache.GetArtifact(jobID, layer) {
		case CacheHave:
			exec.acquired[layer] = struct{}{}
		case CachePending:
			exec.missing[layer] = struct{}{}
		case CacheNeed:
			exec.missing[layer] = struct{}{}
			if err := c.sender.Send(wire.KindTransferArt, wire.TransferArtifact{Digest: layer}); err != nil {
				s.logger.Warn().Err(err).Msg("failed to request artifact transfer from client")
			}
		}
	}

	haveAll := len(exec.missing) == 0
	c.jobs[ceid] = exec

	if haveAll {
		s.queue.PushBack(jobID)
		s.tryDispatch()
	}
}

func (s *Scheduler) receiveClientStatsRequest(cid types.ClientID) {
	c, exists := s.clients[cid]
	if !exists {
		panic(fmt.Sprintf("scheduler: stats request from unknown client: %d", cid))
	}

	stats := types.BrokerStatistics{
		JobsQueued: uint64(s.queue.Len()),
	}
	for _, cl := range s.clients {
		stats.JobsTotal += uint64(len(cl.jobs))
	}
	for wid, w := range s.workers {
		stats.JobsRunning += uint64(len(w.pending))
		stats.Workers = append(stats.Workers, types.WorkerStatisticsItem{
			ID:      wid,
			Slots:   w.slots,
			Pending: len(w.pending),
		})
	}

	if err := c.sender.Send(wire.KindStatsResponse, wire.StatsResponse{Stats: stats}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send stats response")
	}
}

func (s *Scheduler) receiveWorkerConnected(id types.WorkerID, slots int, sender Sender) {
	if _, exists := s.workers[id]; exists {
		panic(fmt.Sprintf("scheduler: duplicate worker connected: %d", id))
	}

	elem := &heap.Element{ID: id, Slots: slots, Pending: 0}
	s.workers[id] = &worker{slots: slots, pending: make(map[types.JobID]struct{}), sender: sender, elem: elem}
	s.heap.Push(elem)

	s.tryDispatch()
}

func (s *Scheduler) receiveWorkerDisconnected(id types.WorkerID) {
	w, exists := s.workers[id]
	if !exists {
		panic(fmt.Sprintf("scheduler: disconnect from unknown worker: %d", id))
	}

	s.heap.Remove(w.elem)
	delete(s.workers, id)

	// Sorted so re-dispatch order across a disconnect is deterministic,
	// matching the scenario-test expectations in scheduler_test.go.
	pending := make([]types.JobID, 0, len(w.pending))
	for jobID := range w.pending {
		pending = append(pending, jobID)
		s.timers.Cancel(jobID)
		delete(s.dispatchedTo, jobID)
	}
	sortJobIDs(pending)
	for i := len(pending) - 1; i >= 0; i-- {
		s.queue.PushFront(pending[i])
	}

	s.tryDispatch()
}

func (s *Scheduler) receiveWorkerResult(wid types.WorkerID, jobID types.JobID, outcome types.Outcome) {
	w, exists := s.workers[wid]
	if !exists {
		panic(fmt.Sprintf("scheduler: result from unknown worker: %d", wid))
	}

	if _, ok := w.pending[jobID]; !ok {
		// The client disconnected and we already canceled this job and
		// updated the worker's pending set; a late result is not an error.
		return
	}
	delete(w.pending, jobID)
	s.timers.Cancel(jobID)
	delete(s.dispatchedTo, jobID)

	c, exists := s.clients[jobID.Client]
	if !exists {
		panic(fmt.Sprintf("scheduler: result for job of unknown client: %d", jobID.Client))
	}

	if err := c.sender.Send(wire.KindResponse, wire.Response{ClientJobID: jobID.Job, Outcome: outcome}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send job response to client")
	}

	exec := c.jobs[jobID.Job]
	delete(c.jobs, jobID.Job)
	for digest := range exec.acquired {
		s.cache.DecrementRefcount(digest)
	}

	metrics.JobsCompletedTotal.WithLabelValues(string(outcome.Kind)).Inc()

	if next, ok := s.queue.PopFront(); ok {
		nextExec := s.clients[next.Client].jobs[next.Job]
		if err := w.sender.Send(wire.KindEnqueue, wire.Enqueue{JobID: next, Spec: nextExec.spec}); err != nil {
			s.logger.Warn().Err(err).Msg("failed to send enqueue to worker")
		}
		w.pending[next] = struct{}{}
		s.dispatchedTo[next] = wid
		if nextExec.spec.Timeout > 0 {
			s.timers.Schedule(next, nextExec.spec.Timeout)
		}
		// Slot count and heap position are unchanged: one job left, one
		// job arrived, pending length is the same.
	} else {
		w.elem.Pending = len(w.pending)
		s.heap.Fix(w.elem)
	}
}

func (s *Scheduler) receiveGotArtifact(digest types.Digest, path string, bytes int64) {
	for _, jobID := range s.cache.GotArtifact(digest, path, bytes) {
		exec := s.clients[jobID.Client].jobs[jobID.Job]
		exec.acquired[digest] = struct{}{}
		delete(exec.missing, digest)
		if len(exec.missing) == 0 {
			s.queue.PushBack(jobID)
		}
	}
	s.tryDispatch()
}

// receiveTimerFired handles one tick's worth of expired job deadlines.
// Each still-running job is canceled on its worker and completed with
// a TimedOut outcome through the same path a normal WorkerResult takes,
// so the client is notified and the worker's slot is backfilled exactly
// as it would be for any other completion.
func (s *Scheduler) receiveTimerFired(jobs []types.JobID) {
	for _, jobID := range jobs {
		wid, ok := s.dispatchedTo[jobID]
		if !ok {
			// Already completed or its worker already disconnected.
			continue
		}
		w, exists := s.workers[wid]
		if !exists {
			continue
		}
		if err := w.sender.Send(wire.KindCancel, wire.Cancel{JobID: jobID}); err != nil {
			s.logger.Warn().Err(err).Uint32("worker_id", uint32(wid)).Msg("failed to send cancel for timed-out job")
		}
		s.receiveWorkerResult(wid, jobID, types.Outcome{Kind: types.OutcomeTimedOut})
	}
}

// receiveGetArtifactForWorker answers a worker's FetchArtifact. The path
// resolved here is handed to the worker connection's Sender, which writes
// the reply and then streams the file's bytes, on this same event-loop
// goroutine; ArtifactReply.Found tells it whether there is anything to
// stream at all.
func (s *Scheduler) receiveGetArtifactForWorker(digest types.Digest, sender Sender) {
	path, ok := s.cache.GetArtifactForWorker(digest)
	reply := wire.ArtifactReply{Digest: digest, Found: ok, Path: path}
	if err := sender.Send(wire.KindArtifactReply, reply); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send artifact reply")
	}
}
