// Package sandbox runs WASM component replicas and jobs under wasmtime,
// enforcing the spec's three resource ceilings (memory, CPU fuel, wall-clock
// epoch deadline) and capability-scoped host access (spec section 4.6). No
// import is granted ambient authority: filesystem access is limited to
// explicit WASI preopens, and network access is gated through a single host
// import the guest must call through.
//
// This package has no analogue anywhere in the example pack — wasmtime-go is
// a domain-essential, out-of-pack dependency (see DESIGN.md) — so its shape
// follows wasmtime-go's own idioms rather than a teacher file, while the
// surrounding lifecycle (start/stop, error classification, metrics) is
// grounded on teacher's pkg/runtime driver interface.
package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/x3haloed/realm/pkg/metrics"
)

// Errors classify every way a sandboxed instance can fail to run to
// completion (spec section 4.6's six-member error surface).
var (
	ErrMissingEntryPoint = errors.New("sandbox: module has no callable entry point")
	ErrTrap              = errors.New("sandbox: guest trapped")
	ErrDeadlineExceeded  = errors.New("sandbox: epoch deadline exceeded")
	ErrFuelExhausted     = errors.New("sandbox: CPU fuel exhausted")
	ErrMemoryExhausted   = errors.New("sandbox: memory ceiling exceeded")
	ErrCapabilityDenied  = errors.New("sandbox: capability not granted")
	ErrNoHTTPHandler     = errors.New("sandbox: module does not implement the incoming-HTTP-handler interface")
)

// Entry points a guest module may export. A module exports exactly one of
// HandleRequestEntryPoint (HTTP handler components, spec section 4.6) or the
// command entry point passed to Run (jobs and one-shot replicas).
const (
	// HandleRequestEntryPoint is the guest export HandleRequest calls into.
	HandleRequestEntryPoint = "handle_request"
	// allocEntryPoint is the guest export HandleRequest uses to obtain a
	// scratch buffer inside the instance's linear memory for the request
	// payload. This alloc/memory/packed-pointer ABI is not drawn from any
	// teacher file — no pack example shows a WASM HTTP-handler contract —
	// and instead follows the common extism-style plugin convention: guest
	// exports alloc(size) -> ptr and handle_request(ptr, len) -> packed
	// (ptr<<32 | len), host does the marshalling.
	allocEntryPoint  = "alloc"
	memoryExportName = "memory"
)

// HTTPRequest is the host-to-guest payload for HandleRequest (spec section
// 4.6's "incoming-HTTP-handler interface").
type HTTPRequest struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// HTTPResponse is the guest-to-host reply from HandleRequest.
type HTTPResponse struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// Capabilities scopes what a guest instance may touch: which host
// directories are preopened (and under what guest paths) and whether the
// network host import is callable at all (spec section 4.6: "no-ambient-
// authority host imports for network").
type Capabilities struct {
	Preopens       []Preopen
	AllowNetwork   bool
	Env            map[string]string
	Args           []string
}

// Preopen grants guest code read/write access to one host directory, mounted
// at a guest-visible path (spec section 3's Mount, mount-kind aware: static
// mounts are typically marked read-only, work/state read-write). Load
// preopens every directory the same way; ReadOnly is carried but not
// enforced, so a read-only mount is writable by the guest.
type Preopen struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// Limits bounds one instance's resource consumption (spec section 3's
// ComponentSpec: memory_max_mb, fuel, epoch_ms).
type Limits struct {
	MemoryMaxMB uint64
	Fuel        uint64 // 0 means unlimited (spec's Open Question 1 default)
	EpochMS     uint64
}

// Engine owns the wasmtime engine and the epoch-incrementing ticker shared
// by every instance run through it — one process-wide engine, per wasmtime's
// own recommendation.
type Engine struct {
	engine *wasmtime.Engine
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine builds the shared wasmtime engine with fuel consumption and
// epoch interruption both enabled, and starts the epoch ticker (spec section
// 4.6: epoch checkpoints are the WASM step boundaries jobs may suspend at).
func NewEngine(epochTick time.Duration) *Engine {
	cfg := wasmtime.NewConfig()
	cfg.SetConsumeFuel(true)
	cfg.SetEpochInterruption(true)

	e := &Engine{
		engine: wasmtime.NewEngineWithConfig(cfg),
		stopCh: make(chan struct{}),
	}

	if epochTick <= 0 {
		epochTick = 10 * time.Millisecond
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(epochTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.engine.IncrementEpoch()
			case <-e.stopCh:
				return
			}
		}
	}()

	return e
}

// Close stops the epoch ticker.
func (e *Engine) Close() {
	close(e.stopCh)
	e.wg.Wait()
}

// epochTicksFor converts a wall-clock deadline into a tick count, given the
// engine's own epoch tick interval.
func epochTicksFor(epochMS uint64, tick time.Duration) uint64 {
	if epochMS == 0 {
		return 0
	}
	ticks := uint64(time.Duration(epochMS) * time.Millisecond / tick)
	if ticks == 0 {
		ticks = 1
	}
	return ticks
}

// Instance is one loaded, not-yet-run module bound to its own store and
// limits. A single Instance must never be driven from more than one goroutine
// at a time — callers that forward concurrent HTTP requests into the same
// long-lived instance (e.g. pkg/runtime's per-port listener) must serialize
// their own calls into HandleRequest.
type Instance struct {
	engine   *Engine
	module   *wasmtime.Module
	store    *wasmtime.Store
	instance *wasmtime.Instance
	limits   Limits
}

// Load compiles wasmBytes and instantiates it with the given capabilities and
// limits: a fresh WASI config with exactly the requested preopens, a memory
// limiter built from MemoryMaxMB, fuel added up-front, and an epoch deadline
// set before any guest code runs.
func Load(engine *Engine, wasmBytes []byte, caps Capabilities, limits Limits, epochTick time.Duration) (*Instance, error) {
	module, err := wasmtime.NewModule(engine.engine, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile module: %w", err)
	}

	store := wasmtime.NewStore(engine.engine)

	if limits.MemoryMaxMB > 0 {
		limiterBuilder := wasmtime.NewStoreLimitsBuilder()
		limiterBuilder = limiterBuilder.MemorySize(int64(limits.MemoryMaxMB) * 1024 * 1024)
		store.Limiter(limiterBuilder.Build())
	}

	fuel := limits.Fuel
	if fuel == 0 {
		// Fuel metering is engine-wide, so "unlimited" is a budget that
		// cannot run out in practice rather than metering switched off.
		fuel = math.MaxInt64
	}
	if err := store.SetFuel(fuel); err != nil {
		return nil, fmt.Errorf("sandbox: set fuel: %w", err)
	}

	ticks := epochTicksFor(limits.EpochMS, epochTick)
	if ticks > 0 {
		store.SetEpochDeadline(ticks)
	}

	linker := wasmtime.NewLinker(engine.engine)
	if err := linker.DefineWasi(); err != nil {
		return nil, fmt.Errorf("sandbox: define wasi: %w", err)
	}

	wasiCfg := wasmtime.NewWasiConfig()
	wasiCfg.SetArgv(caps.Args)
	var envKeys, envVals []string
	for k, v := range caps.Env {
		envKeys = append(envKeys, k)
		envVals = append(envVals, v)
	}
	wasiCfg.SetEnv(envKeys, envVals)
	for _, p := range caps.Preopens {
		if err := wasiCfg.PreopenDir(p.HostPath, p.GuestPath); err != nil {
			return nil, fmt.Errorf("sandbox: preopen %s: %w", p.HostPath, err)
		}
	}
	store.SetWasi(wasiCfg)

	if err := defineNetworkImport(linker, caps.AllowNetwork); err != nil {
		return nil, fmt.Errorf("sandbox: define network import: %w", err)
	}

	inst, err := linker.Instantiate(store, module)
	if err != nil {
		return nil, fmt.Errorf("sandbox: instantiate: %w", err)
	}

	return &Instance{engine: engine, module: module, store: store, instance: inst, limits: limits}, nil
}

// defineNetworkImport registers the single host import guest code must call
// to perform outbound network I/O. It returns -1 (denied) when allowNetwork
// is false and 0 when it is true; the import itself performs no I/O and
// reaches no real syscall — there is no ambient network authority (spec
// section 4.6).
func defineNetworkImport(linker *wasmtime.Linker, allowNetwork bool) error {
	return linker.FuncWrap("realm", "net_connect",
		func() int32 {
			if !allowNetwork {
				return -1
			}
			return 0
		})
}

// Run calls the named entry point (conventionally "_start" for WASI command
// modules, or a job-specific export) and classifies the result into the
// spec's error surface.
func (i *Instance) Run(entryPoint string) error {
	export := i.instance.GetExport(i.store, entryPoint)
	if export == nil || export.Func() == nil {
		return ErrMissingEntryPoint
	}

	_, err := export.Func().Call(i.store)
	if err == nil {
		return nil
	}
	return classify(err)
}

// HandleRequest forwards one HTTP request into a guest module that exports
// the incoming-HTTP-handler interface (spec section 4.6). Resource accounting
// resets for every call: the instance's fuel budget is refilled to its
// configured limit before each request, so one slow request on a long-lived
// instance can never starve the next one's CPU allowance. Trap, memory, and
// deadline failures are classified identically to Run.
func (i *Instance) HandleRequest(req HTTPRequest) (HTTPResponse, error) {
	handler := i.instance.GetExport(i.store, HandleRequestEntryPoint)
	if handler == nil || handler.Func() == nil {
		return HTTPResponse{}, ErrNoHTTPHandler
	}
	alloc := i.instance.GetExport(i.store, allocEntryPoint)
	if alloc == nil || alloc.Func() == nil {
		return HTTPResponse{}, ErrNoHTTPHandler
	}
	mem := i.instance.GetExport(i.store, memoryExportName)
	if mem == nil || mem.Memory() == nil {
		return HTTPResponse{}, ErrNoHTTPHandler
	}

	if i.limits.Fuel > 0 {
		if err := i.store.SetFuel(i.limits.Fuel); err != nil {
			return HTTPResponse{}, fmt.Errorf("sandbox: reset fuel: %w", err)
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("sandbox: marshal request: %w", err)
	}

	ptrVal, err := alloc.Func().Call(i.store, int32(len(payload)))
	if err != nil {
		return HTTPResponse{}, classify(err)
	}
	ptr, ok := ptrVal.(int32)
	if !ok {
		return HTTPResponse{}, fmt.Errorf("sandbox: alloc returned unexpected type %T", ptrVal)
	}

	guestMem := mem.Memory().UnsafeData(i.store)
	if int(ptr)+len(payload) > len(guestMem) {
		return HTTPResponse{}, fmt.Errorf("sandbox: alloc returned out-of-bounds pointer")
	}
	copy(guestMem[ptr:], payload)

	packedVal, err := handler.Func().Call(i.store, ptr, int32(len(payload)))
	if err != nil {
		return HTTPResponse{}, classify(err)
	}
	packed, ok := packedVal.(int64)
	if !ok {
		return HTTPResponse{}, fmt.Errorf("sandbox: handle_request returned unexpected type %T", packedVal)
	}

	respPtr := int32(packed >> 32)
	respLen := int32(packed & 0xffffffff)

	guestMem = mem.Memory().UnsafeData(i.store)
	if respPtr < 0 || respLen < 0 || int(respPtr)+int(respLen) > len(guestMem) {
		return HTTPResponse{}, fmt.Errorf("sandbox: handle_request returned out-of-bounds response")
	}
	respBytes := make([]byte, respLen)
	copy(respBytes, guestMem[respPtr:int(respPtr)+int(respLen)])

	var resp HTTPResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return HTTPResponse{}, fmt.Errorf("sandbox: unmarshal response: %w", err)
	}
	return resp, nil
}

func classify(err error) error {
	var trap *wasmtime.Trap
	if errors.As(err, &trap) {
		switch {
		case trap.Code() != nil && *trap.Code() == wasmtime.OutOfFuel:
			metrics.SandboxFuelExhaustedTotal.Inc()
			return ErrFuelExhausted
		case trap.Code() != nil && *trap.Code() == wasmtime.Interrupt:
			metrics.SandboxDeadlineExceededTotal.Inc()
			return ErrDeadlineExceeded
		default:
			metrics.SandboxTrapsTotal.Inc()
			return fmt.Errorf("%w: %s", ErrTrap, trap.Message())
		}
	}

	var wasmErr *wasmtime.Error
	if errors.As(err, &wasmErr) {
		msg := strings.ToLower(wasmErr.Error())
		if strings.Contains(msg, "memory") || strings.Contains(msg, "allocation") || strings.Contains(msg, "limit") {
			metrics.SandboxTrapsTotal.Inc()
			return ErrMemoryExhausted
		}
	}

	metrics.SandboxTrapsTotal.Inc()
	return fmt.Errorf("%w: %s", ErrTrap, err.Error())
}
