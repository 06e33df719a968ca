/*
Package types defines the core data structures shared by the broker,
worker, and client: identifiers, the job specification clients submit, and
the outcome a finished job reports.

# Identifiers

A ClientID and WorkerID are minted by the broker at connection time.
A ClientJobID is minted by the client; the pair forms a globally unique
JobID. A Digest is a 32-byte SHA-256 content hash identifying a layer
artifact.

# JobSpec and Outcome

JobSpec is immutable once submitted: an ordered list of layer digests, a
program and arguments, environment, mounts, and resource/sandbox flags.
Outcome is the terminal result of running a JobSpec: exited, signaled,
timed out, or one of two failure kinds (execution error, attributable to
the job; system error, attributable to the executor itself), each carrying
bounded stdout/stderr capture.
*/
package types
