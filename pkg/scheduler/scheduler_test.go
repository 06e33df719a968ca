package scheduler

import (
	"fmt"
	"testing"

	"github.com/forgerun/forgerun/pkg/types"
	"github.com/forgerun/forgerun/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSender captures every message sent to it, in order, for
// assertion. It never errors.
type recordingSender struct {
	sent []sentMessage
}

type sentMessage struct {
	kind    string
	payload any
}

func (s *recordingSender) Send(kind string, payload any) error {
	s.sent = append(s.sent, sentMessage{kind: kind, payload: payload})
	return nil
}

func (s *recordingSender) kinds() []string {
	kinds := make([]string, len(s.sent))
	for i, m := range s.sent {
		kinds[i] = m.kind
	}
	return kinds
}

// fakeCache is an in-memory Cache stub: every digest not explicitly
// seeded as already-present resolves as CacheNeed on first lookup, then
// whatever receiveGotArtifact/GotArtifact reports. It mirrors just
// enough of a real cache's behavior to drive the scheduler tests
// without bbolt or LRU machinery.
type fakeCache struct {
	have    map[types.Digest]struct{}
	waiting map[types.Digest][]types.JobID
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		have:    make(map[types.Digest]struct{}),
		waiting: make(map[types.Digest][]types.JobID),
	}
}

func (c *fakeCache) GetArtifact(job types.JobID, digest types.Digest) CacheResult {
	if _, ok := c.have[digest]; ok {
		return CacheHave
	}
	if _, pending := c.waiting[digest]; pending {
		c.waiting[digest] = append(c.waiting[digest], job)
		return CachePending
	}
	c.waiting[digest] = []types.JobID{job}
	return CacheNeed
}

func (c *fakeCache) GotArtifact(digest types.Digest, path string, bytes int64) []types.JobID {
	c.have[digest] = struct{}{}
	waiters := c.waiting[digest]
	delete(c.waiting, digest)
	return waiters
}

func (c *fakeCache) DecrementRefcount(digest types.Digest) {}

func (c *fakeCache) ClientDisconnected(id types.ClientID) {}

func (c *fakeCache) GetArtifactForWorker(digest types.Digest) (string, bool) {
	_, ok := c.have[digest]
	return "/cache/" + digest.String(), ok
}

func digestN(n byte) types.Digest {
	var d types.Digest
	d[0] = n
	return d
}

func simpleSpec(digests ...types.Digest) types.JobSpec {
	return types.JobSpec{Layers: digests, Program: "true"}
}

func connectClient(s *Scheduler, id types.ClientID) *recordingSender {
	sender := &recordingSender{}
	s.Receive(ClientConnected{ID: id, Sender: sender})
	return sender
}

func connectWorker(s *Scheduler, id types.WorkerID, slots int) *recordingSender {
	sender := &recordingSender{}
	s.Receive(WorkerConnected{ID: id, Slots: slots, Sender: sender})
	return sender
}

func TestSubmitWithCachedLayerDispatchesImmediately(t *testing.T) {
	cache := newFakeCache()
	d := digestN(1)
	cache.have[d] = struct{}{}

	s := New(cache)
	connectClient(s, 1)
	worker := connectWorker(s, 1, 1)

	s.Receive(ClientSubmit{ID: 1, ClientJobID: 1, Spec: simpleSpec(d)})

	require.Len(t, worker.sent, 1)
	assert.Equal(t, "enqueue", worker.sent[0].kind)
}

func TestSubmitWithMissingLayerRequestsTransferAndWaits(t *testing.T) {
	cache := newFakeCache()
	d := digestN(1)

	s := New(cache)
	clientSender := connectClient(s, 1)
	worker := connectWorker(s, 1, 1)

	s.Receive(ClientSubmit{ID: 1, ClientJobID: 1, Spec: simpleSpec(d)})

	require.Len(t, clientSender.sent, 1)
	assert.Equal(t, "transfer_artifact", clientSender.sent[0].kind)
	assert.Empty(t, worker.sent, "job must not dispatch before its layer is acquired")

	s.Receive(GotArtifact{Digest: d, Path: "/cache/" + d.String(), Bytes: 128})

	require.Len(t, worker.sent, 1)
	assert.Equal(t, "enqueue", worker.sent[0].kind)
}

func TestBackpressureCapsAtTwiceSlots(t *testing.T) {
	cache := newFakeCache()
	d := digestN(1)
	cache.have[d] = struct{}{}

	s := New(cache)
	connectClient(s, 1)
	worker := connectWorker(s, 1, 2) // 2 slots -> cap is 4 pending

	for i := types.ClientJobID(1); i <= 5; i++ {
		s.Receive(ClientSubmit{ID: 1, ClientJobID: i, Spec: simpleSpec(d)})
	}

	assert.Len(t, worker.sent, 4, "only 2x slots worth of jobs should be dispatched")
	assert.Equal(t, 1, s.queue.Len(), "the 5th job should remain queued")
}

func TestQueuedJobDispatchesWhenWorkerConnects(t *testing.T) {
	cache := newFakeCache()
	d := digestN(1)
	cache.have[d] = struct{}{}

	s := New(cache)
	connectClient(s, 1)

	// No worker yet: job sits in the queue.
	s.Receive(ClientSubmit{ID: 1, ClientJobID: 1, Spec: simpleSpec(d)})
	assert.Equal(t, 1, s.queue.Len())

	worker := connectWorker(s, 1, 1)
	assert.Empty(t, s.queue.items)
	require.Len(t, worker.sent, 1)
	assert.Equal(t, "enqueue", worker.sent[0].kind)
}

func TestWorkerDisconnectRequeuesPendingJobsSorted(t *testing.T) {
	cache := newFakeCache()
	d := digestN(1)
	cache.have[d] = struct{}{}

	s := New(cache)
	connectClient(s, 1)
	w1 := connectWorker(s, 1, 3)

	for i := types.ClientJobID(3); i >= 1; i-- {
		s.Receive(ClientSubmit{ID: 1, ClientJobID: i, Spec: simpleSpec(d)})
	}
	require.Len(t, w1.sent, 3)

	w2 := connectWorker(s, 2, 3)

	s.Receive(WorkerDisconnected{ID: 1})

	// All 3 jobs should have been redispatched to worker 2, in sorted
	// client-job-id order (1, 2, 3) despite having been submitted 3, 2, 1.
	require.Len(t, w2.sent, 3)
	var order []types.ClientJobID
	for _, m := range w2.sent {
		order = append(order, m.payload.(wire.Enqueue).JobID.Job)
	}
	assert.Equal(t, []types.ClientJobID{1, 2, 3}, order)
}

func TestClientDisconnectCancelsRunningAndDropsQueued(t *testing.T) {
	cache := newFakeCache()
	d := digestN(1)
	cache.have[d] = struct{}{}

	s := New(cache)
	connectClient(s, 1)
	connectClient(s, 2)
	worker := connectWorker(s, 1, 1) // 1 slot, cap 2 pending

	s.Receive(ClientSubmit{ID: 1, ClientJobID: 1, Spec: simpleSpec(d)}) // dispatched (runs)
	s.Receive(ClientSubmit{ID: 1, ClientJobID: 2, Spec: simpleSpec(d)}) // dispatched (runs, cap=2)
	s.Receive(ClientSubmit{ID: 2, ClientJobID: 1, Spec: simpleSpec(d)}) // queued behind client 1's cap

	require.Equal(t, 1, s.queue.Len())

	s.Receive(ClientDisconnected{ID: 1})

	// Client 1's two running jobs should have been canceled on the worker.
	cancels := 0
	for _, m := range worker.sent {
		if m.kind == "cancel" {
			cancels++
		}
	}
	assert.Equal(t, 2, cancels)

	// Client 2's job should have been backfilled into the freed slot.
	assert.Equal(t, 0, s.queue.Len())
	assert.Len(t, s.workers[1].pending, 1)
}

func TestWorkerResultIgnoredForUnknownExecution(t *testing.T) {
	cache := newFakeCache()
	s := New(cache)
	connectWorker(s, 1, 1)

	// No job was ever dispatched to worker 1 as JobID{Client:1,Job:1}; this
	// must not panic.
	assert.NotPanics(t, func() {
		s.Receive(WorkerResult{ID: 1, Job: types.JobID{Client: 1, Job: 1}, Outcome: types.Outcome{Kind: types.OutcomeExited}})
	})
}

func TestDuplicateClientConnectPanics(t *testing.T) {
	s := New(newFakeCache())
	connectClient(s, 1)
	assert.Panics(t, func() { connectClient(s, 1) })
}

func TestDuplicateWorkerConnectPanics(t *testing.T) {
	s := New(newFakeCache())
	connectWorker(s, 1, 1)
	assert.Panics(t, func() { connectWorker(s, 1, 1) })
}

func TestDisconnectUnknownClientPanics(t *testing.T) {
	s := New(newFakeCache())
	assert.Panics(t, func() { s.Receive(ClientDisconnected{ID: 99}) })
}

func TestDisconnectUnknownWorkerPanics(t *testing.T) {
	s := New(newFakeCache())
	assert.Panics(t, func() { s.Receive(WorkerDisconnected{ID: 99}) })
}

func TestSubmitFromUnknownClientPanics(t *testing.T) {
	s := New(newFakeCache())
	assert.Panics(t, func() {
		s.Receive(ClientSubmit{ID: 99, ClientJobID: 1, Spec: simpleSpec(digestN(1))})
	})
}

func TestWorkerResultCompletesAndDispatchesNext(t *testing.T) {
	cache := newFakeCache()
	d := digestN(1)
	cache.have[d] = struct{}{}

	s := New(cache)
	clientSender := connectClient(s, 1)
	worker := connectWorker(s, 1, 1)

	s.Receive(ClientSubmit{ID: 1, ClientJobID: 1, Spec: simpleSpec(d)}) // dispatches, fills the 1 slot
	s.Receive(ClientSubmit{ID: 1, ClientJobID: 2, Spec: simpleSpec(d)}) // dispatches too (cap=2 pending)
	s.Receive(ClientSubmit{ID: 1, ClientJobID: 3, Spec: simpleSpec(d)}) // queued

	require.Equal(t, 1, s.queue.Len())

	s.Receive(WorkerResult{
		ID:      1,
		Job:     types.JobID{Client: 1, Job: 1},
		Outcome: types.Outcome{Kind: types.OutcomeExited, Code: 0},
	})

	assert.Equal(t, 0, s.queue.Len(), "the queued job should fill the freed slot")

	found := false
	for _, m := range clientSender.sent {
		if m.kind == "response" {
			found = true
		}
	}
	assert.True(t, found, "client should receive a response for the completed job")
	assert.NotEmpty(t, worker.sent)
}

func TestStatsRequestReportsQueuedAndRunning(t *testing.T) {
	cache := newFakeCache()
	d := digestN(1)
	cache.have[d] = struct{}{}

	s := New(cache)
	clientSender := connectClient(s, 1)
	connectWorker(s, 1, 1)

	s.Receive(ClientSubmit{ID: 1, ClientJobID: 1, Spec: simpleSpec(d)})
	s.Receive(ClientSubmit{ID: 1, ClientJobID: 2, Spec: simpleSpec(d)})

	s.Receive(ClientStatsRequest{ID: 1})

	require.NotEmpty(t, clientSender.sent)
	last := clientSender.sent[len(clientSender.sent)-1]
	assert.Equal(t, "stats_response", last.kind)

	// One slot means a cap of two pending jobs, so both are running.
	stats := last.payload.(wire.StatsResponse).Stats
	assert.Equal(t, uint64(0), stats.JobsQueued)
	assert.Equal(t, uint64(2), stats.JobsRunning)
}

func TestFetchArtifactForWorkerReportsFoundAndPath(t *testing.T) {
	cache := newFakeCache()
	d := digestN(7)
	cache.have[d] = struct{}{}

	s := New(cache)
	sender := &recordingSender{}
	s.Receive(GetArtifactForWorker{Digest: d, Sender: sender})

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "artifact_reply", sender.sent[0].kind)
	reply := sender.sent[0].payload.(wire.ArtifactReply)
	assert.True(t, reply.Found)
	assert.Equal(t, "/cache/"+d.String(), reply.Path)
}

func TestDigestNUnique(t *testing.T) {
	a, b := digestN(1), digestN(2)
	assert.NotEqual(t, a, b)
	assert.Equal(t, fmt.Sprintf("%x", a[:1]), "01")
}
