package wire

import (
	"github.com/forgerun/forgerun/pkg/types"
)

// ProtocolVersion is the single handshake byte exchanged at connection
// start. Bump it whenever a wire message's shape changes incompatibly.
const ProtocolVersion byte = 1

// Message kinds. These are the Envelope.Kind values; one per variant named
// in the external-interfaces wire message list.
const (
	KindSubmit         = "submit"          // ClientToBroker
	KindArtifactBlob   = "artifact_blob"   // ClientToBroker
	KindStatsRequest   = "stats_request"   // ClientToBroker
	KindResponse       = "response"        // BrokerToClient
	KindTransferArt    = "transfer_artifact" // BrokerToClient
	KindStatsResponse  = "stats_response"  // BrokerToClient
	KindEnqueue        = "enqueue"         // BrokerToWorker
	KindCancel         = "cancel"          // BrokerToWorker
	KindResult         = "result"          // WorkerToBroker
	KindFetchArtifact  = "fetch_artifact"  // WorkerToBroker
	KindArtifactReply  = "artifact_reply"  // BrokerToWorker, answers FetchArtifact
	KindHeartbeat      = "heartbeat"       // WorkerToBroker
	KindRegister       = "register"        // WorkerToBroker, first message on the connection
)

// Submit is a ClientToBroker message: submit a new job.
type Submit struct {
	ClientJobID types.ClientJobID `msgpack:"client_job_id"`
	Spec        types.JobSpec     `msgpack:"spec"`
}

// ArtifactBlob is a ClientToBroker message carrying the full contents of a
// previously requested artifact upload.
type ArtifactBlob struct {
	Digest types.Digest `msgpack:"digest"`
	Bytes  []byte       `msgpack:"bytes"`
}

// StatsRequest is a ClientToBroker message asking for BrokerStatistics.
type StatsRequest struct{}

// Response is a BrokerToClient message: the terminal result of one job.
type Response struct {
	ClientJobID types.ClientJobID `msgpack:"client_job_id"`
	Outcome     types.Outcome     `msgpack:"outcome"`
}

// TransferArtifact is a BrokerToClient message: please upload this digest,
// the broker does not have it cached.
type TransferArtifact struct {
	Digest types.Digest `msgpack:"digest"`
}

// StatsResponse is a BrokerToClient message answering StatsRequest.
type StatsResponse struct {
	Stats types.BrokerStatistics `msgpack:"stats"`
}

// Enqueue is a BrokerToWorker message: run this job.
type Enqueue struct {
	JobID types.JobID   `msgpack:"job_id"`
	Spec  types.JobSpec `msgpack:"spec"`
}

// Cancel is a BrokerToWorker message: stop this job if still running.
type Cancel struct {
	JobID types.JobID `msgpack:"job_id"`
}

// Result is a WorkerToBroker message: a job finished.
type Result struct {
	JobID   types.JobID   `msgpack:"job_id"`
	Outcome types.Outcome `msgpack:"outcome"`
}

// FetchArtifact is a WorkerToBroker message: the worker is missing this
// digest locally and needs it streamed from the broker's cache.
type FetchArtifact struct {
	Digest types.Digest `msgpack:"digest"`
}

// ArtifactReply is the BrokerToWorker answer to FetchArtifact. Found is
// false when the broker itself does not have the digest cached, which is
// a protocol-layer bug (the scheduler never dispatches a job whose
// artifacts are unresolved). Path is the cache-local file whose bytes the
// broker's connection Sender streams to the worker right after the
// envelope; it never crosses the wire itself.
type ArtifactReply struct {
	Digest types.Digest `msgpack:"digest"`
	Found  bool         `msgpack:"found"`
	Path   string       `msgpack:"-"`
}

// Heartbeat is a WorkerToBroker message carrying liveness and load
// information between job events. It is purely informational — the
// scheduler's authoritative pending-set bookkeeping never depends on it.
type Heartbeat struct {
	Pending int `msgpack:"pending"`
}

// Register is the first message a worker sends after the handshake,
// before any Result/FetchArtifact/Heartbeat. It is how the connection
// handler tells a worker connection apart from a client connection (a
// client's first frame is always Submit, StatsRequest, or ArtifactBlob)
// and how it learns how many slots to advertise to the scheduler.
type Register struct {
	Slots int `msgpack:"slots"`
}
