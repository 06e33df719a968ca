/*
Package wire defines the typed messages exchanged between client, broker,
and worker, and the framing used to put them on a net.Conn.

Every connection starts with a one-byte protocol version handshake; a
mismatch closes the connection immediately. After the handshake, each
message is one frame: a 4-byte big-endian length prefix followed by a
msgpack-encoded Envelope. The envelope carries a Kind string alongside a
raw msgpack Payload, so a reader can dispatch on Kind before decoding the
concrete payload type.
*/
package wire
