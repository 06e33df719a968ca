package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgerun/forgerun/pkg/types"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf))
	require.NoError(t, ReadHandshake(&buf))
}

func TestHandshakeMismatch(t *testing.T) {
	buf := bytes.NewBuffer([]byte{ProtocolVersion + 1})
	err := ReadHandshake(buf)
	assert.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := Submit{
		ClientJobID: 7,
		Spec: types.JobSpec{
			Program:   "/bin/true",
			Arguments: []string{"a", "b"},
		},
	}
	require.NoError(t, WriteFrame(&buf, KindSubmit, &msg))

	fr := NewFrameReader(&buf)
	env, err := fr.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, KindSubmit, env.Kind)

	var got Submit
	require.NoError(t, Unpack(env, &got))
	assert.Equal(t, msg, got)
}

func TestMultipleFramesSequentially(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindCancel, &Cancel{JobID: types.JobID{Client: 1, Job: 2}}))
	require.NoError(t, WriteFrame(&buf, KindStatsRequest, &StatsRequest{}))

	fr := NewFrameReader(&buf)

	env1, err := fr.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, KindCancel, env1.Kind)

	env2, err := fr.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, KindStatsRequest, env2.Kind)
}
