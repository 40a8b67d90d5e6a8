package sandbox

import (
	"testing"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v25"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandlerWAT exports the incoming-HTTP-handler interface: alloc always
// hands back offset 0, and handle_request ignores the request bytes and
// returns a fixed `{"status":200}` response packed into one i64 (high 32
// bits the guest memory offset, low 32 bits the length).
const echoHandlerWAT = `
(module
  (memory (export "memory") 1)
  (data (i32.const 1024) "{\22status\22:200}")
  (func (export "alloc") (param $size i32) (result i32)
    (i32.const 0))
  (func (export "handle_request") (param $ptr i32) (param $len i32) (result i64)
    (i64.or
      (i64.shl (i64.extend_i32_u (i32.const 1024)) (i64.const 32))
      (i64.extend_i32_u (i32.const 14)))))
`

const noHandlerWAT = `
(module
  (memory (export "memory") 1))
`

func mustLoadWAT(t *testing.T, eng *Engine, wat string, limits Limits) *Instance {
	t.Helper()
	wasmBytes, err := wasmtime.Wat2Wasm(wat)
	require.NoError(t, err)
	inst, err := Load(eng, wasmBytes, Capabilities{}, limits, 10*time.Millisecond)
	require.NoError(t, err)
	return inst
}

func TestEpochTicksForZeroDeadlineMeansUnbounded(t *testing.T) {
	assert.Equal(t, uint64(0), epochTicksFor(0, 10*time.Millisecond))
}

func TestEpochTicksForRoundsUpToAtLeastOneTick(t *testing.T) {
	assert.Equal(t, uint64(1), epochTicksFor(1, 10*time.Millisecond))
}

func TestEpochTicksForScalesWithDeadline(t *testing.T) {
	assert.Equal(t, uint64(10), epochTicksFor(100, 10*time.Millisecond))
}

func TestEngineStartStop(t *testing.T) {
	eng := NewEngine(5 * time.Millisecond)
	// Give the ticker a moment to run at least once, then shut it down
	// cleanly; Close must not hang or panic.
	time.Sleep(20 * time.Millisecond)
	eng.Close()
}

func TestCapabilitiesDenyNetworkByDefault(t *testing.T) {
	caps := Capabilities{}
	assert.False(t, caps.AllowNetwork)
}

func TestHandleRequestUnmarshalsGuestResponse(t *testing.T) {
	eng := NewEngine(5 * time.Millisecond)
	defer eng.Close()

	inst := mustLoadWAT(t, eng, echoHandlerWAT, Limits{Fuel: 1_000_000})

	resp, err := inst.HandleRequest(HTTPRequest{Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestHandleRequestSurvivesManyCallsOnOneInstance(t *testing.T) {
	eng := NewEngine(5 * time.Millisecond)
	defer eng.Close()

	// A tight fuel budget reused across many requests: if HandleRequest
	// failed to reset the budget before each call, fuel would never recover
	// and an early request would trap the rest with ErrFuelExhausted.
	inst := mustLoadWAT(t, eng, echoHandlerWAT, Limits{Fuel: 100_000})

	for i := 0; i < 20; i++ {
		resp, err := inst.HandleRequest(HTTPRequest{Method: "GET", Path: "/"})
		require.NoError(t, err)
		assert.Equal(t, 200, resp.Status)
	}
}

func TestHandleRequestReturnsErrNoHTTPHandlerWhenModuleLacksOne(t *testing.T) {
	eng := NewEngine(5 * time.Millisecond)
	defer eng.Close()

	inst := mustLoadWAT(t, eng, noHandlerWAT, Limits{})

	_, err := inst.HandleRequest(HTTPRequest{Method: "GET", Path: "/"})
	assert.ErrorIs(t, err, ErrNoHTTPHandler)
}
