/*
Package broker turns a listening socket into scheduler.Events: a single
event-loop goroutine drains Server.events into Scheduler.Receive exactly
once at a time, and one goroutine per accepted connection decodes wire
frames and pushes the matching event. The scheduler answers through each
connection's Sender on the event-loop goroutine; for an ArtifactReply the
Sender itself reads the cached file and writes its bytes as a raw frame,
so those bytes never pass through the scheduler.

A connection's first frame after the handshake decides whether it is a
worker or a client: a worker always sends Register first, a client
never does, so any other first frame is treated as the client's opening
message and processed the same way a later one would be.
*/
package broker
