package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kakaly/mlxhost/internal/protocol"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, err := protocol.NewEnvelope("s1", protocol.TypeInferenceStreamToken, protocol.StreamTokenPayload{
		RequestID: "s1",
		Text:      "Hel",
	})
	require.NoError(t, err)

	frame, err := Encode(env)
	require.NoError(t, err)

	dec := NewDecoder()
	envs, err := dec.Feed(frame)
	require.NoError(t, err)
	require.Len(t, envs, 1)

	assert.Equal(t, env.ID, envs[0].ID)
	assert.Equal(t, env.Type, envs[0].Type)

	var payload protocol.StreamTokenPayload
	require.NoError(t, envs[0].Decode(&payload))
	assert.Equal(t, "Hel", payload.Text)
}

func TestDecoderHandlesArbitrarySplitting(t *testing.T) {
	env1, _ := protocol.NewEnvelope("1", protocol.TypeModelList, nil)
	env2, _ := protocol.NewEnvelope("2", protocol.TypeModelListOK, protocol.ModelListOKPayload{
		Cached: []string{"a"}, Loaded: []string{},
	})

	f1, err := Encode(env1)
	require.NoError(t, err)
	f2, err := Encode(env2)
	require.NoError(t, err)

	whole := append(append([]byte{}, f1...), f2...)

	// Feed the combined byte stream one byte at a time — output must be
	// identical regardless of how the stream is chunked.
	dec := NewDecoder()
	var got []protocol.Envelope
	for i := range whole {
		envs, err := dec.Feed(whole[i : i+1])
		require.NoError(t, err)
		got = append(got, envs...)
	}

	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)
}

func TestDecoderWaitsForIncompleteBuffer(t *testing.T) {
	env, _ := protocol.NewEnvelope("x", protocol.TypeReset, nil)
	frame, err := Encode(env)
	require.NoError(t, err)

	dec := NewDecoder()

	// Fewer than 4 bytes buffered.
	envs, err := dec.Feed(frame[:2])
	require.NoError(t, err)
	assert.Empty(t, envs)

	// Length prefix complete but body incomplete.
	envs, err = dec.Feed(frame[2 : len(frame)-1])
	require.NoError(t, err)
	assert.Empty(t, envs)

	// Final byte arrives.
	envs, err = dec.Feed(frame[len(frame)-1:])
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "x", envs[0].ID)
}

func TestDecoderSkipsMalformedBodyButStaysAligned(t *testing.T) {
	badBody := []byte(`{not json`)
	badFrame := make([]byte, 4+len(badBody))
	badFrame[3] = byte(len(badBody))
	copy(badFrame[4:], badBody)

	goodEnv, _ := protocol.NewEnvelope("ok", protocol.TypeReset, nil)
	goodFrame, err := Encode(goodEnv)
	require.NoError(t, err)

	dec := NewDecoder()
	envs, err := dec.Feed(append(badFrame, goodFrame...))
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "ok", envs[0].ID)
}

func TestDecoderRejectsOversizeFrame(t *testing.T) {
	oversizeHeader := []byte{0xFF, 0xFF, 0xFF, 0xFF} // ~4GiB declared length
	dec := NewDecoder()
	_, err := dec.Feed(oversizeHeader)
	require.Error(t, err)

	var tooLarge *ErrFrameTooLarge
	require.ErrorAs(t, err, &tooLarge)
}
