package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kakaly/mlxhost/internal/engine/enginetest"
	"github.com/kakaly/mlxhost/internal/protocol"
)

// fakeSender records every outgoing envelope in order and tracks whether
// the connection was closed, so tests can assert ordering without a real
// socket.
type fakeSender struct {
	mu     sync.Mutex
	sent   []protocol.Envelope
	closed string
}

func (f *fakeSender) Send(env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) CloseWithCode(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = code
}

func (f *fakeSender) snapshot() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func waitForTypes(t *testing.T, sender *fakeSender, n int) []protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.snapshot()) >= n {
			return sender.snapshot()
		}
		time.Sleep(time.Millisecond)
	}
	require.FailNow(t, "timed out waiting for envelopes", "got %d want %d", len(sender.snapshot()), n)
	return nil
}

func TestHandshakeSuccess(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, enginetest.New(), "abc", nil)

	env, err := protocol.NewEnvelope("1", protocol.TypeHandshake, protocol.HandshakeRequestPayload{AuthToken: "abc"})
	require.NoError(t, err)
	d.OnMessage(env)

	sent := sender.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeHandshakeOK, sent[0].Type)
	assert.Equal(t, "1", sent[0].ID)
	assert.True(t, d.isAuthed())
}

func TestHandshakeFailureClosesConnection(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, enginetest.New(), "abc", nil)

	env, err := protocol.NewEnvelope("1", protocol.TypeHandshake, protocol.HandshakeRequestPayload{AuthToken: "xyz"})
	require.NoError(t, err)
	d.OnMessage(env)

	sent := sender.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeError, sent[0].Type)

	var payload protocol.ErrorPayload
	require.NoError(t, sent[0].Decode(&payload))
	assert.Equal(t, protocol.ErrCodeUnauthorized, payload.Code)
	assert.Equal(t, protocol.ErrCodeUnauthorized, sender.closed)
	assert.False(t, d.isAuthed())
}

func TestUnauthenticatedConnectionRejectsNonHandshake(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, enginetest.New(), "abc", nil)

	env, err := protocol.NewEnvelope("2", protocol.TypeModelList, nil)
	require.NoError(t, err)
	d.OnMessage(env)

	sent := sender.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeError, sent[0].Type)

	var payload protocol.ErrorPayload
	require.NoError(t, sent[0].Decode(&payload))
	assert.Equal(t, protocol.ErrCodeUnauthorized, payload.Code)
	assert.Equal(t, protocol.ErrCodeUnauthorized, sender.closed)
}

func TestNoAuthTokenStartsAuthenticated(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, enginetest.New(), "", nil)
	assert.True(t, d.isAuthed())

	env, err := protocol.NewEnvelope("2", protocol.TypeModelList, nil)
	require.NoError(t, err)
	d.OnMessage(env)

	sent := sender.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeModelListOK, sent[0].Type)
}

func TestModelListBeforeLoad(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, enginetest.New(), "", nil)

	env, err := protocol.NewEnvelope("2", protocol.TypeModelList, nil)
	require.NoError(t, err)
	d.OnMessage(env)

	var payload protocol.ModelListOKPayload
	require.NoError(t, sender.snapshot()[0].Decode(&payload))
	assert.Equal(t, []string{}, payload.Cached)
	assert.Equal(t, []string{}, payload.Loaded)
}

func TestUnknownType(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, enginetest.New(), "", nil)

	env, err := protocol.NewEnvelope("u1", "nope", nil)
	require.NoError(t, err)
	d.OnMessage(env)

	sent := sender.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeError, sent[0].Type)

	var payload protocol.ErrorPayload
	require.NoError(t, sent[0].Decode(&payload))
	assert.Equal(t, protocol.ErrCodeUnknownType, payload.Code)
	assert.Equal(t, "", sender.closed, "unknown type is not fatal to the connection")
}

func TestModelLoadRequiresModelField(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, enginetest.New(), "", nil)

	env, err := protocol.NewEnvelope("3", protocol.TypeModelLoad, protocol.ModelNamePayload{})
	require.NoError(t, err)
	d.OnMessage(env)

	var payload protocol.ErrorPayload
	require.NoError(t, sender.snapshot()[0].Decode(&payload))
	assert.Equal(t, protocol.ErrCodeBadRequest, payload.Code)
}

func TestStreamedGenerationHappyPath(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, enginetest.New(), "", nil)

	req := protocol.GenerateRequest{
		Model:    "m",
		Messages: []protocol.ChatMessage{{Role: "user", Content: "hi"}},
	}
	env, err := protocol.NewEnvelope("s1", protocol.TypeInferenceStream, req)
	require.NoError(t, err)
	d.OnMessage(env)

	sent := waitForTypes(t, sender, 5)
	require.Len(t, sent, 5)

	assert.Equal(t, protocol.TypeInferenceStreamStart, sent[0].Type)
	assert.Equal(t, protocol.TypeInferenceStreamToken, sent[1].Type)
	assert.Equal(t, protocol.TypeInferenceStreamToken, sent[2].Type)
	assert.Equal(t, protocol.TypeInferenceStreamToken, sent[3].Type)
	assert.Equal(t, protocol.TypeInferenceStreamEnd, sent[4].Type)

	for _, e := range sent {
		assert.Equal(t, "s1", e.ID)
	}

	var tok1 protocol.StreamTokenPayload
	require.NoError(t, sent[1].Decode(&tok1))
	assert.Equal(t, "Hel", tok1.Text)

	var end protocol.StreamEndPayload
	require.NoError(t, sent[4].Decode(&end))
	assert.Equal(t, "Hello!", end.Final.Text)
	require.NotNil(t, end.Final.Usage.CompletionTokens)
	assert.Equal(t, 3, *end.Final.Usage.CompletionTokens)
}

func TestCancellationMidStream(t *testing.T) {
	sender := &fakeSender{}
	eng := enginetest.New()
	eng.ChunkDelay = 20 * time.Millisecond
	d := New(sender, eng, "", nil)

	req := protocol.GenerateRequest{
		Model:    "m",
		Messages: []protocol.ChatMessage{{Role: "user", Content: "hi"}},
	}
	streamEnv, err := protocol.NewEnvelope("s1", protocol.TypeInferenceStream, req)
	require.NoError(t, err)
	d.OnMessage(streamEnv)

	waitForTypes(t, sender, 2) // start + first token

	cancelEnv, err := protocol.NewEnvelope("c1", protocol.TypeInferenceCancel, protocol.CancelRequestPayload{RequestID: "s1"})
	require.NoError(t, err)
	d.OnMessage(cancelEnv)

	sent := sender.snapshot()
	var cancelAck protocol.Envelope
	for _, e := range sent {
		if e.ID == "c1" {
			cancelAck = e
		}
	}
	require.Equal(t, protocol.TypeInferenceCancelOK, cancelAck.Type)

	deadline := time.Now().Add(2 * time.Second)
	var terminal protocol.Envelope
	for time.Now().Before(deadline) {
		for _, e := range sender.snapshot() {
			if e.ID == "s1" && (e.Type == protocol.TypeInferenceStreamError || e.Type == protocol.TypeInferenceStreamEnd) {
				terminal = e
			}
		}
		if terminal.Type != "" {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, protocol.TypeInferenceStreamError, terminal.Type)

	var errPayload protocol.StreamErrorPayload
	require.NoError(t, terminal.Decode(&errPayload))
	assert.Equal(t, protocol.ErrCodeCancelled, errPayload.Code)

	d.mu.Lock()
	_, stillTracked := d.streams["s1"]
	d.mu.Unlock()
	assert.False(t, stillTracked, "no orphan state after stream terminates")
}

func TestCancelUnknownRequestIsPermissive(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, enginetest.New(), "", nil)

	env, err := protocol.NewEnvelope("c1", protocol.TypeInferenceCancel, protocol.CancelRequestPayload{RequestID: "does-not-exist"})
	require.NoError(t, err)
	d.OnMessage(env)

	var payload protocol.CancelOKPayload
	require.NoError(t, sender.snapshot()[0].Decode(&payload))
	assert.True(t, payload.Cancelled)
}

// TestGenerateDoesNotBlockConcurrentRequests guards against
// inference.generate regressing into a synchronous OnMessage call: a slow
// generate must not starve a model.list queued right behind it on the same
// connection (spec §4.7, §5).
func TestGenerateDoesNotBlockConcurrentRequests(t *testing.T) {
	sender := &fakeSender{}
	eng := enginetest.New()
	eng.ChunkDelay = 30 * time.Millisecond
	d := New(sender, eng, "", nil)

	req := protocol.GenerateRequest{
		Model:    "m",
		Messages: []protocol.ChatMessage{{Role: "user", Content: "hi"}},
	}
	genEnv, err := protocol.NewEnvelope("g1", protocol.TypeInferenceGenerate, req)
	require.NoError(t, err)
	d.OnMessage(genEnv) // must return immediately, not block for ~90ms of chunks

	listEnv, err := protocol.NewEnvelope("l1", protocol.TypeModelList, nil)
	require.NoError(t, err)
	d.OnMessage(listEnv)

	sent := waitForTypes(t, sender, 1)
	require.Equal(t, "l1", sent[0].ID, "model.list must be serviced before the slow generate completes")
	assert.Equal(t, protocol.TypeModelListOK, sent[0].Type)

	final := waitForTypes(t, sender, 2)
	var genReply protocol.Envelope
	for _, e := range final {
		if e.ID == "g1" {
			genReply = e
		}
	}
	require.Equal(t, protocol.TypeInferenceGenerateOK, genReply.Type)

	var payload protocol.GenerateResponse
	require.NoError(t, genReply.Decode(&payload))
	assert.Equal(t, "Hello!", payload.Text)
}

func TestOnCloseAbandonsInFlightStreams(t *testing.T) {
	sender := &fakeSender{}
	eng := enginetest.New()
	eng.ChunkDelay = 50 * time.Millisecond
	d := New(sender, eng, "", nil)

	req := protocol.GenerateRequest{
		Model:    "m",
		Messages: []protocol.ChatMessage{{Role: "user", Content: "hi"}},
	}
	env, err := protocol.NewEnvelope("s1", protocol.TypeInferenceStream, req)
	require.NoError(t, err)
	d.OnMessage(env)

	waitForTypes(t, sender, 1) // start only

	d.OnClose()

	d.mu.Lock()
	_, tracked := d.streams["s1"]
	d.mu.Unlock()
	assert.False(t, tracked)
}
