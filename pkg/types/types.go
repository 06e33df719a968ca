package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ClientID is minted by the broker at connection accept time.
type ClientID uint32

// WorkerID is minted by the broker at connection accept time.
type WorkerID uint32

// ClientJobID is minted by the client, unique only within that client.
type ClientJobID uint32

// JobID is globally unique: the pair of the submitting client and the
// client-local job id it assigned.
type JobID struct {
	Client ClientID
	Job    ClientJobID
}

func (id JobID) String() string {
	return fmt.Sprintf("%d.%d", id.Client, id.Job)
}

// Digest is the SHA-256 content hash identifying an artifact layer.
type Digest [32]byte

// DigestOf hashes a blob's contents.
func DigestOf(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// String renders the digest as lowercase hex, matching the on-disk
// sha256/<hex-digest> layout.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalYAML renders a Digest as its hex string, so job-spec YAML names
// layers the same way the on-disk cache and CLI output do.
func (d Digest) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML parses a Digest from the hex string a job-spec YAML file
// names a layer with.
func (d *Digest) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseDigest(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest parses a 64-character hex string into a Digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	s = strings.TrimSpace(s)
	if len(s) != 64 {
		return d, fmt.Errorf("digest %q: must be exactly 64 hexadecimal digits long", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("digest %q: must consist of only hexadecimal digits: %w", s, err)
	}
	copy(d[:], b)
	return d, nil
}

// Mount describes one bind mount applied inside the job's namespace.
type Mount struct {
	Source   string `msgpack:"source" yaml:"source"`
	Target   string `msgpack:"target" yaml:"target"`
	ReadOnly bool   `msgpack:"read_only" yaml:"readOnly"`
}

// EnvVar is one ordered entry of a JobSpec's environment.
type EnvVar struct {
	Name  string `msgpack:"name" yaml:"name"`
	Value string `msgpack:"value" yaml:"value"`
}

// JobSpec is the immutable description of what to run, submitted by a
// client. It never changes once accepted by the broker.
type JobSpec struct {
	// Layers is the ordered list of layer digests forming the job's root
	// filesystem, bottom layer first. Must be non-empty.
	Layers []Digest `msgpack:"layers" yaml:"layers"`

	Program   string   `msgpack:"program" yaml:"program"`
	Arguments []string `msgpack:"arguments" yaml:"arguments"`
	Environment []EnvVar `msgpack:"environment" yaml:"environment"`
	Mounts      []Mount  `msgpack:"mounts" yaml:"mounts"`
	Devices     []string `msgpack:"devices" yaml:"devices"`

	WorkingDirectory string `msgpack:"working_directory" yaml:"workingDirectory"`
	UID              uint32 `msgpack:"uid" yaml:"uid"`
	GID              uint32 `msgpack:"gid" yaml:"gid"`

	Loopback        bool `msgpack:"loopback" yaml:"loopback"`
	WritableRootfs  bool `msgpack:"writable_rootfs" yaml:"writableRootfs"`

	// Timeout is zero when unset (no timeout).
	Timeout time.Duration `msgpack:"timeout" yaml:"timeout"`
}

// OutputResult is the bounded capture of one output stream.
type OutputResult struct {
	// Kind is one of "none", "inline", "truncated".
	Kind      OutputKind `msgpack:"kind"`
	Inline    []byte     `msgpack:"inline,omitempty"`
	First     []byte     `msgpack:"first,omitempty"`
	Truncated int        `msgpack:"truncated,omitempty"`
}

// OutputKind discriminates the three shapes an OutputResult can take.
type OutputKind string

const (
	OutputNone      OutputKind = "none"
	OutputInline    OutputKind = "inline"
	OutputTruncated OutputKind = "truncated"
)

// OutcomeKind discriminates the four ways a job's execution can conclude.
type OutcomeKind string

const (
	OutcomeExited      OutcomeKind = "exited"
	OutcomeSignaled    OutcomeKind = "signaled"
	OutcomeTimedOut    OutcomeKind = "timed_out"
	OutcomeExecution   OutcomeKind = "execution_error"
	OutcomeSystemError OutcomeKind = "system_error"
)

// Outcome is the result the executor hands back for a completed job, and
// the payload the scheduler forwards on to the originating client.
type Outcome struct {
	Kind OutcomeKind `msgpack:"kind"`

	// Valid when Kind is Exited or Signaled or TimedOut.
	Code int `msgpack:"code,omitempty"`

	// Valid when Kind is Execution or SystemError.
	Error string `msgpack:"error,omitempty"`

	Stdout OutputResult `msgpack:"stdout"`
	Stderr OutputResult `msgpack:"stderr"`
}

// ExitCode maps an Outcome to the exit code it contributes to a client's
// aggregate (the client exits with the largest): an exited job gives its
// own exit code, a signaled or timed-out job or an execution error gives
// 1, and a system error gives 2.
func (o Outcome) ExitCode() int {
	switch o.Kind {
	case OutcomeExited:
		return o.Code
	case OutcomeSignaled, OutcomeTimedOut:
		return 1
	case OutcomeExecution:
		return 1
	case OutcomeSystemError:
		return 2
	default:
		return 2
	}
}

// Job is the scheduler's bookkeeping record for one submitted JobSpec. It
// is owned exclusively by the originating Client record.
type Job struct {
	ID   JobID
	Spec JobSpec

	// Acquired is the set of layer digests whose cache refcount this job
	// currently holds.
	Acquired map[Digest]struct{}

	// Missing is the set of layer digests this job is still waiting on.
	// Invariant: Acquired and Missing never share a digest.
	Missing map[Digest]struct{}

	// Dispatched is the worker this job has been sent to, if any.
	Dispatched WorkerID
	HasWorker  bool
}

// Runnable reports whether every layer this job needs has been acquired.
func (j *Job) Runnable() bool {
	return len(j.Missing) == 0
}

// BrokerStatistics is returned in answer to a StatsRequest.
type BrokerStatistics struct {
	JobsTotal    uint64                 `msgpack:"jobs_total"`
	JobsRunning  uint64                 `msgpack:"jobs_running"`
	JobsQueued   uint64                 `msgpack:"jobs_queued"`
	Workers      []WorkerStatisticsItem `msgpack:"workers"`
}

// WorkerStatisticsItem is one worker's row in BrokerStatistics.
type WorkerStatisticsItem struct {
	ID      WorkerID `msgpack:"id"`
	Slots   int      `msgpack:"slots"`
	Pending int      `msgpack:"pending"`
}
