package scheduler

import "github.com/forgerun/forgerun/pkg/types"

// Sender abstracts the connection used to push one message to a
// connected client or worker. The broker's connection handler
// implements this over a framed net.Conn (pkg/wire); tests implement
// it with an in-memory recorder.
type Sender interface {
	Send(kind string, payload any) error
}

// Event is the scheduler's single input type. The broker's connection
// handlers and the timer wheel both translate their own occurrences into an
// Event and hand it to Scheduler.Receive, which runs them one at a
// time on a single goroutine — there is no locking inside Scheduler
// because there is never more than one event in flight.
type Event interface {
	isEvent()
}

type ClientConnected struct {
	ID     types.ClientID
	Sender Sender
}

type ClientDisconnected struct {
	ID types.ClientID
}

type ClientSubmit struct {
	ID          types.ClientID
	ClientJobID types.ClientJobID
	Spec        types.JobSpec
}

type ClientStatsRequest struct {
	ID types.ClientID
}

type WorkerConnected struct {
	ID     types.WorkerID
	Slots  int
	Sender Sender
}

type WorkerDisconnected struct {
	ID types.WorkerID
}

type WorkerResult struct {
	ID      types.WorkerID
	Job     types.JobID
	Outcome types.Outcome
}

type GotArtifact struct {
	Digest types.Digest
	Path   string
	Bytes  int64
}

type GetArtifactForWorker struct {
	Digest types.Digest
	Sender Sender
}

type DecrementRefcount struct {
	Digest types.Digest
}

func (ClientConnected) isEvent()       {}
func (ClientDisconnected) isEvent()    {}
func (ClientSubmit) isEvent()          {}
func (ClientStatsRequest) isEvent()    {}
func (WorkerConnected) isEvent()       {}
func (WorkerDisconnected) isEvent()    {}
func (WorkerResult) isEvent()          {}
func (GotArtifact) isEvent()           {}
func (GetArtifactForWorker) isEvent()  {}
func (DecrementRefcount) isEvent()     {}
