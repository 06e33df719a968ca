package client

import (
	"net"
	"testing"

	"github.com/forgerun/forgerun/pkg/types"
	"github.com/forgerun/forgerun/pkg/wire"
	"github.com/stretchr/testify/require"
)

// fakeLayers hands back canned bytes for one digest, for exercising the
// TransferArtifact round trip without a real cache or disk layout.
type fakeLayers struct {
	data map[types.Digest][]byte
}

func (f fakeLayers) Layer(digest types.Digest) ([]byte, error) {
	return f.data[digest], nil
}

func startFakeBroker(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		require.NoError(t, wire.ReadHandshake(conn))
		require.NoError(t, wire.WriteHandshake(conn))
		handle(conn)
	}()

	return ln.Addr().String()
}

func TestSubmitReturnsOutcomeOnDirectResponse(t *testing.T) {
	spec := types.JobSpec{Program: "/bin/true"}
	wantOutcome := types.Outcome{Kind: types.OutcomeExited, Code: 0}

	addr := startFakeBroker(t, func(conn net.Conn) {
		reader := wire.NewFrameReader(conn)
		env, err := reader.ReadEnvelope()
		require.NoError(t, err)
		require.Equal(t, wire.KindSubmit, env.Kind)

		var msg wire.Submit
		require.NoError(t, wire.Unpack(env, &msg))
		require.Equal(t, spec.Program, msg.Spec.Program)

		require.NoError(t, wire.WriteFrame(conn, wire.KindResponse, wire.Response{
			ClientJobID: msg.ClientJobID,
			Outcome:     wantOutcome,
		}))
	})

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	outcome, err := c.Submit(1, spec, nil)
	require.NoError(t, err)
	require.Equal(t, wantOutcome, outcome)
}

func TestSubmitUploadsRequestedArtifactBeforeResponse(t *testing.T) {
	spec := types.JobSpec{Program: "/bin/true"}
	layerData := []byte("layer contents")
	digest := types.DigestOf(layerData)
	wantOutcome := types.Outcome{Kind: types.OutcomeExited}

	addr := startFakeBroker(t, func(conn net.Conn) {
		reader := wire.NewFrameReader(conn)
		env, err := reader.ReadEnvelope()
		require.NoError(t, err)
		var submit wire.Submit
		require.NoError(t, wire.Unpack(env, &submit))

		require.NoError(t, wire.WriteFrame(conn, wire.KindTransferArt, wire.TransferArtifact{Digest: digest}))

		env, err = reader.ReadEnvelope()
		require.NoError(t, err)
		require.Equal(t, wire.KindArtifactBlob, env.Kind)
		var blob wire.ArtifactBlob
		require.NoError(t, wire.Unpack(env, &blob))
		require.Equal(t, layerData, blob.Bytes)

		require.NoError(t, wire.WriteFrame(conn, wire.KindResponse, wire.Response{
			ClientJobID: submit.ClientJobID,
			Outcome:     wantOutcome,
		}))
	})

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	layers := fakeLayers{data: map[types.Digest][]byte{digest: layerData}}
	outcome, err := c.Submit(1, spec, layers)
	require.NoError(t, err)
	require.Equal(t, wantOutcome, outcome)
}

func TestSubmitErrorsWhenArtifactRequestedWithoutLayerSource(t *testing.T) {
	digest := types.DigestOf([]byte("x"))

	addr := startFakeBroker(t, func(conn net.Conn) {
		reader := wire.NewFrameReader(conn)
		_, err := reader.ReadEnvelope()
		require.NoError(t, err)
		require.NoError(t, wire.WriteFrame(conn, wire.KindTransferArt, wire.TransferArtifact{Digest: digest}))
	})

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Submit(1, types.JobSpec{}, nil)
	require.Error(t, err)
}

func TestStatsReturnsBrokerStatistics(t *testing.T) {
	want := types.BrokerStatistics{JobsTotal: 3, JobsRunning: 1, JobsQueued: 2}

	addr := startFakeBroker(t, func(conn net.Conn) {
		reader := wire.NewFrameReader(conn)
		env, err := reader.ReadEnvelope()
		require.NoError(t, err)
		require.Equal(t, wire.KindStatsRequest, env.Kind)
		require.NoError(t, wire.WriteFrame(conn, wire.KindStatsResponse, wire.StatsResponse{Stats: want}))
	})

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	stats, err := c.Stats()
	require.NoError(t, err)
	require.Equal(t, want, stats)
}
