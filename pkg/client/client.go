// Package client implements the submitter side of the wire protocol: dial
// a broker, submit one job, serve any TransferArtifact requests the
// broker makes in response, and wait for its terminal Response.
package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/forgerun/forgerun/pkg/security"
	"github.com/forgerun/forgerun/pkg/types"
	"github.com/forgerun/forgerun/pkg/wire"
)

// LayerSource resolves a layer digest to its bytes. A submit command
// backs this with a directory of content-addressed files on disk; tests
// can back it with an in-memory map.
type LayerSource interface {
	Layer(digest types.Digest) ([]byte, error)
}

// DirLayerSource reads layers from files named by hex digest under Dir.
type DirLayerSource struct {
	Dir string
}

// Layer implements LayerSource.
func (d DirLayerSource) Layer(digest types.Digest) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.Dir, digest.String()))
	if err != nil {
		return nil, fmt.Errorf("reading layer %s: %w", digest, err)
	}
	return data, nil
}

// Client is a short-lived connection to a broker: one Submit or Stats
// call per dial, closed by the caller when done.
type Client struct {
	conn   net.Conn
	reader *wire.FrameReader
}

// Dial connects to addr over plain TCP and completes the protocol
// handshake.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing broker %s: %w", addr, err)
	}
	return handshake(conn)
}

// DialTLS connects to addr over TLS, presenting the client certificate
// and cluster CA found under certDir (the node.crt/node.key/ca.crt
// layout security.SaveCertToFile and SaveCACertToFile write).
func DialTLS(addr, certDir string) (*Client, error) {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate from %s: %w", certDir, err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("loading cluster CA certificate from %s: %w", certDir, err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	conn, err := tls.Dial("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing broker %s over TLS: %w", addr, err)
	}
	return handshake(conn)
}

func handshake(conn net.Conn) (*Client, error) {
	if err := wire.WriteHandshake(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing handshake: %w", err)
	}
	if err := wire.ReadHandshake(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading handshake: %w", err)
	}
	return &Client{conn: conn, reader: wire.NewFrameReader(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Submit sends spec under clientJobID and blocks until the broker
// reports the job's terminal Outcome. Along the way it answers any
// TransferArtifact requests the broker makes by reading the named layer
// from layers and uploading it as an ArtifactBlob.
func (c *Client) Submit(clientJobID types.ClientJobID, spec types.JobSpec, layers LayerSource) (types.Outcome, error) {
	if err := wire.WriteFrame(c.conn, wire.KindSubmit, wire.Submit{ClientJobID: clientJobID, Spec: spec}); err != nil {
		return types.Outcome{}, fmt.Errorf("submitting job: %w", err)
	}

	for {
		env, err := c.reader.ReadEnvelope()
		if err != nil {
			return types.Outcome{}, fmt.Errorf("waiting for job result: %w", err)
		}

		switch env.Kind {
		case wire.KindTransferArt:
			var msg wire.TransferArtifact
			if err := wire.Unpack(env, &msg); err != nil {
				return types.Outcome{}, err
			}
			if err := c.uploadArtifact(msg.Digest, layers); err != nil {
				return types.Outcome{}, err
			}

		case wire.KindResponse:
			var msg wire.Response
			if err := wire.Unpack(env, &msg); err != nil {
				return types.Outcome{}, err
			}
			if msg.ClientJobID != clientJobID {
				continue
			}
			return msg.Outcome, nil

		default:
			return types.Outcome{}, fmt.Errorf("unexpected message kind %q while awaiting job result", env.Kind)
		}
	}
}

func (c *Client) uploadArtifact(digest types.Digest, layers LayerSource) error {
	if layers == nil {
		return fmt.Errorf("broker requested artifact %s but no layer source was configured", digest)
	}
	data, err := layers.Layer(digest)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(c.conn, wire.KindArtifactBlob, wire.ArtifactBlob{Digest: digest, Bytes: data}); err != nil {
		return fmt.Errorf("uploading artifact %s: %w", digest, err)
	}
	return nil
}

// Stats asks the broker for its current BrokerStatistics.
func (c *Client) Stats() (types.BrokerStatistics, error) {
	if err := wire.WriteFrame(c.conn, wire.KindStatsRequest, wire.StatsRequest{}); err != nil {
		return types.BrokerStatistics{}, fmt.Errorf("requesting stats: %w", err)
	}

	env, err := c.reader.ReadEnvelope()
	if err != nil {
		return types.BrokerStatistics{}, fmt.Errorf("waiting for stats response: %w", err)
	}
	if env.Kind != wire.KindStatsResponse {
		return types.BrokerStatistics{}, fmt.Errorf("unexpected message kind %q while awaiting stats", env.Kind)
	}
	var msg wire.StatsResponse
	if err := wire.Unpack(env, &msg); err != nil {
		return types.BrokerStatistics{}, err
	}
	return msg.Stats, nil
}
