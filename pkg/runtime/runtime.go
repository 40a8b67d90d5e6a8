// Package runtime implements the job scheduler's three-way runtime dispatch
// (spec section 4.7: wasm / native / emulated). Grounded on teacher's
// pkg/runtime/containerd.go driver shape (a single client wrapping a
// specific execution backend, with Create/Start/Stop/Status verbs), adapted
// from one containerd-backed driver to three in-process dispatch paths: wasm
// delegates to pkg/sandbox, native spawns a child process gated by policy and
// describes its limits with the teacher's opencontainers/runtime-spec
// LinuxResources struct, and emulated spawns a configured emulator binary
// under the same policy gate.
package runtime

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/x3haloed/realm/pkg/cas"
	"github.com/x3haloed/realm/pkg/config"
	"github.com/x3haloed/realm/pkg/log"
	"github.com/x3haloed/realm/pkg/sandbox"
	"github.com/x3haloed/realm/pkg/types"
)

// EntryPoint is the WASM export the scheduler invokes for a job instance
// (spec section 4.6: "run(instance) (command entry point)").
const EntryPoint = "run"

var (
	// ErrNativeExecutionDisabled is returned when a native job is dispatched
	// while policy.allow_native_execution is false (spec section 4.7).
	ErrNativeExecutionDisabled = errors.New("runtime: native execution disabled by policy")
	// ErrEmulationDisabled is returned when an emulated job is dispatched
	// while policy.allow_emulation is false (spec section 4.7).
	ErrEmulationDisabled = errors.New("runtime: emulation disabled by policy")
	// ErrUnknownRuntime is returned for any runtime selector other than the
	// three the spec names.
	ErrUnknownRuntime = errors.New("runtime: unknown runtime selector")
)

// LogSink receives one line of a job's stdout/stderr as it runs, for the
// status board's bounded per-job log ring (spec section 4.8).
type LogSink func(stream, line string)

// Request describes one job execution (spec section 4.7 runtime dispatch).
type Request struct {
	JobID        string
	Runtime      types.Runtime
	Executable   string // CAS digest for wasm; absolute path for native/emulated
	Args         []string
	Env          map[string]string
	WorkDir      string
	Mounts       []types.Mount // capability-scoped host<->guest bindings; wasm only
	Resources    types.ResourceRequest
	Fuel         int
	EpochMS      int
	AllowNetwork bool
	EmulatorPath string           // configured emulator binary, meaningful only for RuntimeEmulated
	Ports        []types.PortSpec // declared service ports; wasm replicas only (spec section 4.6)
	Visibility   types.Visibility // binds ports to loopback (local) or all interfaces (public)
}

// Dispatcher executes jobs against the runtime their spec selects.
type Dispatcher struct {
	engine *sandbox.Engine
	blobs  *cas.Store
	policy *config.Store
}

// NewDispatcher builds a dispatcher over the node's shared WASM engine, CAS
// store, and policy store.
func NewDispatcher(engine *sandbox.Engine, blobs *cas.Store, policy *config.Store) *Dispatcher {
	return &Dispatcher{engine: engine, blobs: blobs, policy: policy}
}

// Run executes req to completion (or ctx cancellation), streaming logs to
// sink. It blocks until the instance/process exits.
func (d *Dispatcher) Run(ctx context.Context, req Request, sink LogSink) error {
	switch req.Runtime {
	case types.RuntimeWASM:
		return d.runWASM(ctx, req, sink)
	case types.RuntimeNative:
		if !d.policy.Policy().AllowNativeExecution {
			return ErrNativeExecutionDisabled
		}
		return d.runProcess(ctx, req.Executable, req, sink)
	case types.RuntimeEmulated:
		if !d.policy.Policy().AllowEmulation {
			return ErrEmulationDisabled
		}
		args := append([]string{req.Executable}, req.Args...)
		return d.runProcess(ctx, req.EmulatorPath, requestWithArgs(req, args), sink)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownRuntime, req.Runtime)
	}
}

func requestWithArgs(req Request, args []string) Request {
	req.Args = args
	return req
}

// preopensFor builds the guest's preopen directory list from a component's
// declared mounts (spec section 4.5/4.6). A job's ad-hoc work directory
// mount is synthesized when no explicit mounts are declared, preserving
// the scheduler's single-/work preopen behavior.
func preopensFor(req Request) []sandbox.Preopen {
	if len(req.Mounts) == 0 {
		return []sandbox.Preopen{{HostPath: req.WorkDir, GuestPath: "/work", ReadOnly: false}}
	}
	preopens := make([]sandbox.Preopen, 0, len(req.Mounts))
	for _, m := range req.Mounts {
		preopens = append(preopens, sandbox.Preopen{HostPath: m.Host, GuestPath: m.Guest, ReadOnly: m.ReadOnly})
	}
	return preopens
}

// bindHostFor maps a component's declared visibility to the interface its
// service ports bind to: public components are reachable from any
// interface, local ones (the default) only from loopback.
func bindHostFor(v types.Visibility) string {
	if v == types.VisibilityPublic {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

func (d *Dispatcher) runWASM(ctx context.Context, req Request, sink LogSink) error {
	wasmBytes, err := d.blobs.Get(req.Executable)
	if err != nil {
		return fmt.Errorf("runtime: fetch wasm blob %s: %w", req.Executable, err)
	}

	caps := sandbox.Capabilities{
		AllowNetwork: req.AllowNetwork,
		Env:          req.Env,
		Args:         req.Args,
		Preopens:     preopensFor(req),
	}
	limits := sandbox.Limits{
		MemoryMaxMB: uint64(req.Resources.MemoryMB),
		Fuel:        uint64(req.Fuel),
		EpochMS:     uint64(req.EpochMS),
	}

	instance, err := sandbox.Load(d.engine, wasmBytes, caps, limits, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("runtime: load instance for job %s: %w", req.JobID, err)
	}

	if len(req.Ports) > 0 {
		return d.serveHTTP(ctx, instance, req, sink)
	}

	if err := instance.Run(EntryPoint); err != nil {
		if errors.Is(err, sandbox.ErrMissingEntryPoint) {
			if sink != nil {
				sink("stderr", "job has no command entry point, completing without error")
			}
			return nil
		}
		return err
	}
	return nil
}

// serveHTTP stands in for the spec's external HTTP gateway (spec section
// 4.6: "the gateway forwards requests into the instance via the handler"):
// it binds one net/http listener per declared service port and forwards
// every inbound request into the instance's handle_request export. A single
// wasmtime instance may never be called from two goroutines at once, so
// every port shares one mutex serializing calls into the instance. Unlike a
// replica's command entry point, which returns when the guest export does,
// this blocks until ctx is cancelled or a listener fails.
func (d *Dispatcher) serveHTTP(ctx context.Context, instance *sandbox.Instance, req Request, sink LogSink) error {
	var callMu sync.Mutex

	handler := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		headers := map[string][]string(r.Header)

		callMu.Lock()
		resp, err := instance.HandleRequest(sandbox.HTTPRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Headers: headers,
			Body:    body,
		})
		callMu.Unlock()

		if err != nil {
			if sink != nil {
				sink("stderr", fmt.Sprintf("handle_request failed: %v", err))
			}
			http.Error(w, "sandbox: request failed", http.StatusBadGateway)
			return
		}
		for k, vs := range resp.Headers {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		if resp.Status == 0 {
			resp.Status = http.StatusOK
		}
		w.WriteHeader(resp.Status)
		_, _ = io.Copy(w, bytes.NewReader(resp.Body))
	}

	bindHost := bindHostFor(req.Visibility)

	servers := make([]*http.Server, 0, len(req.Ports))
	errCh := make(chan error, len(req.Ports))
	for _, p := range req.Ports {
		if p.Protocol != "" && p.Protocol != "tcp" {
			if sink != nil {
				sink("stderr", fmt.Sprintf("service port %d: protocol %q not supported by the in-process gateway, skipping", p.Port, p.Protocol))
			}
			continue
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", bindHost, p.Port),
			Handler: http.HandlerFunc(handler),
		}
		servers = append(servers, srv)
		go func(s *http.Server) {
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("runtime: service port %s: %w", s.Addr, err)
			}
		}(srv)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range servers {
			_ = s.Shutdown(shutdownCtx)
		}
		return nil
	case err := <-errCh:
		for _, s := range servers {
			_ = s.Close()
		}
		return err
	}
}

// runProcess spawns path as a child process, streams its output into sink
// line by line, and best-effort applies OS-level resource limits (spec
// section 4.7: "apply OS-level resource limits where available").
func (d *Dispatcher) runProcess(ctx context.Context, path string, req Request, sink LogSink) error {
	cmd := exec.CommandContext(ctx, path, req.Args...)
	cmd.Dir = req.WorkDir
	cmd.Env = envSlice(req.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("runtime: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("runtime: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("runtime: start process: %w", err)
	}

	var streams sync.WaitGroup
	streams.Add(2)
	go func() { defer streams.Done(); streamLines(stdout, "stdout", sink) }()
	go func() { defer streams.Done(); streamLines(stderr, "stderr", sink) }()

	applyLinuxResources(cmd.Process.Pid, req.Resources)

	// Wait closes both pipes, so the readers must reach EOF first.
	streams.Wait()
	return cmd.Wait()
}

func streamLines(r io.Reader, stream string, sink LogSink) {
	if sink == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		sink(stream, scanner.Text())
	}
}

// applyLinuxResources describes req's resource envelope with the teacher's
// opencontainers/runtime-spec LinuxResources struct and, on Linux, writes it
// to a best-effort cgroup v2 slice for pid. Failure to apply limits is
// logged and never fails the job — the spec only requires limits "where
// available".
func applyLinuxResources(pid int, res types.ResourceRequest) {
	if res.MemoryMB <= 0 && res.CPU <= 0 {
		return
	}

	limits := &specs.LinuxResources{}
	if res.MemoryMB > 0 {
		memBytes := int64(res.MemoryMB) * 1024 * 1024
		limits.Memory = &specs.LinuxMemory{Limit: &memBytes}
	}
	if res.CPU > 0 {
		period := uint64(100000)
		quota := int64(res.CPU * float64(period))
		limits.CPU = &specs.LinuxCPU{Quota: &quota, Period: &period}
	}

	cgroupDir := filepath.Join("/sys/fs/cgroup", "realm", strconv.Itoa(pid))
	if err := os.MkdirAll(cgroupDir, 0755); err != nil {
		log.Logger.Debug().Err(err).Int("pid", pid).Msg("runtime: cgroup unavailable, skipping resource limits")
		return
	}
	if limits.Memory != nil {
		writeCgroupFile(cgroupDir, "memory.max", strconv.FormatInt(*limits.Memory.Limit, 10))
	}
	if limits.CPU != nil {
		writeCgroupFile(cgroupDir, "cpu.max", fmt.Sprintf("%d %d", *limits.CPU.Quota, *limits.CPU.Period))
	}
	if err := os.WriteFile(filepath.Join(cgroupDir, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644); err != nil {
		log.Logger.Debug().Err(err).Int("pid", pid).Msg("runtime: failed to join cgroup")
	}
}

func writeCgroupFile(dir, name, value string) {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(value), 0644); err != nil {
		log.Logger.Debug().Err(err).Str("file", name).Msg("runtime: failed to write cgroup limit")
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
