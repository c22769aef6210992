// ABOUTME: Tests for frame dispatch: batches, notifications, auth gating, panics
// ABOUTME: Uses a counting handler to prove rejected calls have no side effects

package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mesh-gateway/internal/auth"
	"github.com/2389/mesh-gateway/internal/protocol"
	"github.com/2389/mesh-gateway/internal/session"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// allowAll permits everything.
type allowAll struct{}

func (allowAll) Permit(sess *session.Session, method string) error { return nil }

// denyAll rejects with not-authenticated.
type denyAll struct{}

func (denyAll) Permit(sess *session.Session, method string) error {
	return auth.ErrNotAuthenticated
}

func newTestDispatcher(t *testing.T, checker AuthChecker) (*Dispatcher, *int) {
	t.Helper()

	calls := 0
	reg := NewRegistry()
	reg.MustRegister(Method{
		Name: "test.count",
		Handler: func(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
			calls++
			return map[string]int{"calls": calls}, nil
		},
	})
	reg.MustRegister(Method{
		Name:         "test.gated",
		RequiresAuth: true,
		Handler: func(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
			calls++
			return "ok", nil
		},
	})
	reg.MustRegister(Method{
		Name: "test.panic",
		Handler: func(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
			panic("boom")
		},
	})
	reg.MustRegister(Method{
		Name: "test.fail",
		Handler: func(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
			return nil, assertableError{}
		},
	})

	return New(reg, checker, testLogger), &calls
}

type assertableError struct{}

func (assertableError) Error() string { return "sensitive detail" }

func testSession() *session.Session {
	return session.New("s1", "c1", testLogger)
}

func decodeSingle(t *testing.T, data []byte) protocol.Response {
	t.Helper()
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func TestHandleFrame_Single(t *testing.T) {
	d, calls := newTestDispatcher(t, allowAll{})

	reply := d.HandleFrame(context.Background(), testSession(), []byte(`{"jsonrpc":"2.0","method":"test.count","id":1}`))
	require.NotNil(t, reply)

	resp := decodeSingle(t, reply)
	assert.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage("1"), resp.ID)
	assert.Equal(t, 1, *calls)
}

func TestHandleFrame_ParseError(t *testing.T) {
	d, _ := newTestDispatcher(t, allowAll{})

	reply := d.HandleFrame(context.Background(), testSession(), []byte(`{broken`))
	resp := decodeSingle(t, reply)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeParse, resp.Error.Code)
	assert.Equal(t, json.RawMessage("null"), resp.ID)
}

func TestHandleFrame_MethodNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t, allowAll{})

	reply := d.HandleFrame(context.Background(), testSession(), []byte(`{"jsonrpc":"2.0","method":"no.such","id":5}`))
	resp := decodeSingle(t, reply)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, json.RawMessage("5"), resp.ID)
}

func TestHandleFrame_Notification(t *testing.T) {
	d, calls := newTestDispatcher(t, allowAll{})

	reply := d.HandleFrame(context.Background(), testSession(), []byte(`{"jsonrpc":"2.0","method":"test.count"}`))
	assert.Nil(t, reply, "notifications get no response")
	assert.Equal(t, 1, *calls, "notifications still execute")
}

func TestHandleFrame_Batch_OrderPreserved(t *testing.T) {
	d, calls := newTestDispatcher(t, allowAll{})

	frame := []byte(`[
		{"jsonrpc":"2.0","method":"test.count","id":"a"},
		{"jsonrpc":"2.0","method":"test.count"},
		{"jsonrpc":"2.0","method":"no.such","id":"b"},
		{"jsonrpc":"2.0","method":"test.count","id":"c"}
	]`)

	reply := d.HandleFrame(context.Background(), testSession(), frame)
	require.NotNil(t, reply)

	var responses []protocol.Response
	require.NoError(t, json.Unmarshal(reply, &responses))

	// Notification omitted, order of the rest preserved.
	require.Len(t, responses, 3)
	assert.Equal(t, json.RawMessage(`"a"`), responses[0].ID)
	assert.Equal(t, json.RawMessage(`"b"`), responses[1].ID)
	assert.NotNil(t, responses[1].Error)
	assert.Equal(t, json.RawMessage(`"c"`), responses[2].ID)

	assert.Equal(t, 3, *calls)
}

func TestHandleFrame_EmptyBatch(t *testing.T) {
	d, _ := newTestDispatcher(t, allowAll{})

	reply := d.HandleFrame(context.Background(), testSession(), []byte(`[]`))
	resp := decodeSingle(t, reply)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidRequest, resp.Error.Code)
}

func TestHandleFrame_BatchAllNotifications(t *testing.T) {
	d, calls := newTestDispatcher(t, allowAll{})

	frame := []byte(`[{"jsonrpc":"2.0","method":"test.count"},{"jsonrpc":"2.0","method":"test.count"}]`)
	reply := d.HandleFrame(context.Background(), testSession(), frame)
	assert.Nil(t, reply)
	assert.Equal(t, 2, *calls)
}

func TestHandleFrame_InvalidElement(t *testing.T) {
	d, _ := newTestDispatcher(t, allowAll{})

	// Wrong version: invalid request, not method-not-found.
	reply := d.HandleFrame(context.Background(), testSession(), []byte(`{"jsonrpc":"1.0","method":"test.count","id":1}`))
	resp := decodeSingle(t, reply)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidRequest, resp.Error.Code)
}

func TestHandleFrame_AuthGating(t *testing.T) {
	d, calls := newTestDispatcher(t, denyAll{})

	reply := d.HandleFrame(context.Background(), testSession(), []byte(`{"jsonrpc":"2.0","method":"test.gated","id":1}`))
	resp := decodeSingle(t, reply)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeAuthRequired, resp.Error.Code)
	assert.Equal(t, 0, *calls, "gated handler must not run")

	// Unauthenticated gating does not block open methods.
	reply = d.HandleFrame(context.Background(), testSession(), []byte(`{"jsonrpc":"2.0","method":"test.count","id":2}`))
	resp = decodeSingle(t, reply)
	assert.Nil(t, resp.Error)
	assert.Equal(t, 1, *calls)
}

func TestHandleFrame_PanicContained(t *testing.T) {
	d, _ := newTestDispatcher(t, allowAll{})

	reply := d.HandleFrame(context.Background(), testSession(), []byte(`{"jsonrpc":"2.0","method":"test.panic","id":1}`))
	resp := decodeSingle(t, reply)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternal, resp.Error.Code)
	assert.Equal(t, "internal error", resp.Error.Message)
}

func TestHandleFrame_OpaqueInternalErrors(t *testing.T) {
	d, _ := newTestDispatcher(t, allowAll{})

	reply := d.HandleFrame(context.Background(), testSession(), []byte(`{"jsonrpc":"2.0","method":"test.fail","id":1}`))
	resp := decodeSingle(t, reply)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternal, resp.Error.Code)
	assert.NotContains(t, resp.Error.Message, "sensitive", "internal details must not leak")
}

func TestRegistry_Duplicate(t *testing.T) {
	reg := NewRegistry()
	m := Method{Name: "a.b", Handler: func(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) {
		return nil, nil
	}}
	require.NoError(t, reg.Register(m))
	assert.Error(t, reg.Register(m))
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry()
	h := func(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error) { return nil, nil }
	reg.MustRegister(Method{Name: "b.x", Handler: h})
	reg.MustRegister(Method{Name: "a.y", Handler: h})

	assert.Equal(t, []string{"a.y", "b.x"}, reg.Names())
}
