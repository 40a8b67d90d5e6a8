// Package scheduler implements the job state machine, deterministic
// admission election, pre-staging, runtime dispatch, artifact capture, and
// recurring re-enqueue of spec section 4.7. Grounded on teacher's
// pkg/scheduler/scheduler.go ticker-loop and filterSchedulableNodes
// admission pattern, generalized from round-robin container placement to
// the spec's deterministic lowest-node-ID election.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/x3haloed/realm/pkg/cas"
	"github.com/x3haloed/realm/pkg/log"
	"github.com/x3haloed/realm/pkg/metrics"
	"github.com/x3haloed/realm/pkg/runtime"
	"github.com/x3haloed/realm/pkg/status"
	"github.com/x3haloed/realm/pkg/storage"
	"github.com/x3haloed/realm/pkg/types"
	"github.com/x3haloed/realm/pkg/volume"
)

const (
	tickInterval      = 5 * time.Second
	preStageRetries   = 3
	preStageRetryWait = 2 * time.Second
	cancelGrace       = 10 * time.Second
)

// Candidate is a node's resource/platform standing as reported by status
// gossip, used for admission election. electWinner compares available
// memory only; Platform is recorded but not matched against the job.
type Candidate struct {
	NodeID            string
	Platform          string
	AvailableMemoryMB int
}

// Config collects the collaborators the scheduler needs from the rest of
// the node.
type Config struct {
	LocalNodeID       string
	LocalPlatform     string
	LocalRoles        []string
	AvailableMemoryMB func() int // local free-memory probe, called per election
	DataDir           string
	Store             storage.Store
	Blobs             *cas.Store
	Volumes           *volume.Manager
	Dispatcher        *runtime.Dispatcher
	Board             *status.Board
	// Gossip broadcasts a job lifecycle change on the status topic (spec
	// section 4.7: "job lifecycle changes ... are broadcast on the status
	// topic"). Nil is permitted in tests.
	Gossip func(*types.JobRecord)
	// FetchBlob requests a missing CAS blob from peers via BlobChunk
	// envelopes; returns once the blob has been ingested or the attempt
	// failed. Nil disables remote pre-staging (single-node operation).
	FetchBlob func(digest string) error
}

// Scheduler owns this node's job index admission, pre-staging, dispatch,
// and recurring re-enqueue.
type Scheduler struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	peers     map[string]Candidate
	cancels   map[string]context.CancelFunc
	nextFire  map[string]time.Time // recurring template job ID -> next scheduled fire
	cronParse cron.Parser

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a scheduler over cfg. Call Start to begin the admission
// and recurring-reenqueue loop.
func New(cfg Config) *Scheduler {
	if cfg.AvailableMemoryMB == nil {
		cfg.AvailableMemoryMB = func() int { return 1 << 30 } // effectively unconstrained
	}
	return &Scheduler{
		cfg:       cfg,
		logger:    log.WithComponent("scheduler"),
		peers:     make(map[string]Candidate),
		cancels:   make(map[string]context.CancelFunc),
		nextFire:  make(map[string]time.Time),
		cronParse: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the scheduler's ticker loop in the background.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// RegisterPeer records a peer's advertised platform and available memory,
// learned from status gossip (StatusReply or the periodic status topic
// broadcast), for use in the next admission election.
func (s *Scheduler) RegisterPeer(c Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[c.NodeID] = c
}

// OnJobSubmit admits a job whose targeting matched this node into the
// local job index (spec section 4.7: "incoming job is stored in the local
// job index if its targeting matches this node").
func (s *Scheduler) OnJobSubmit(job types.JobSpec) error {
	record := &types.JobRecord{
		Spec:        job,
		NodeID:      s.cfg.LocalNodeID,
		Platform:    s.cfg.LocalPlatform,
		Status:      types.JobPending,
		SubmittedAt: time.Now(),
		Artifacts:   make(map[string]string),
	}
	if err := s.cfg.Store.PutJob(record); err != nil {
		return fmt.Errorf("scheduler: admit job %s: %w", job.ID, err)
	}
	s.gossip(record)
	return nil
}

// OnJobCancel stops a non-terminal job (spec section 4.7). A running job's
// context is cancelled at once, which kills a native or emulated process
// with no graceful stage first; a job not yet running is marked cancelled.
func (s *Scheduler) OnJobCancel(jobID string) error {
	record, err := s.cfg.Store.GetJob(jobID)
	if err != nil {
		return nil // unknown locally; nothing to cancel
	}
	if record.Status.Terminal() {
		return nil
	}

	s.mu.Lock()
	cancel, running := s.cancels[jobID]
	s.mu.Unlock()

	if running {
		cancel()
		return nil // runProcess's dispatcher.Run will return and finalize as cancelled
	}

	if types.CanTransition(record.Status, types.JobCancelled) {
		record.Status = types.JobCancelled
		record.CompletedAt = time.Now()
		return s.cfg.Store.PutJob(record)
	}
	return nil
}

// tick runs one admission-and-reenqueue cycle.
func (s *Scheduler) tick() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	records, err := s.cfg.Store.ListJobs()
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduler: list jobs failed")
		return
	}

	s.updateJobCounts(records)

	for _, record := range records {
		if record.Spec.Kind == types.JobRecurring {
			// The submitted record is a perpetual schedule source, never
			// admitted or run itself; only its spawned one-shot clones are.
			s.maybeReenqueue(record)
			continue
		}
		if record.Status != types.JobPending {
			continue
		}
		s.tryAdmit(record)
	}
}

func (s *Scheduler) updateJobCounts(records []*types.JobRecord) {
	counts := make(map[types.JobStatus]int)
	for _, r := range records {
		counts[r.Status]++
	}
	if s.cfg.Board != nil {
		s.cfg.Board.SetJobCounts(counts)
	}
}

// tryAdmit runs the deterministic election for a pending job; this node
// only proceeds to scheduling if it wins (spec section 4.7: "losers leave
// the job pending (observers)").
func (s *Scheduler) tryAdmit(record *types.JobRecord) {
	winner, ok := s.electWinner(record)
	if !ok || winner != s.cfg.LocalNodeID {
		return
	}

	metrics.JobsElectedTotal.Inc()

	record.Status = types.JobScheduled
	record.AssignedAt = time.Now()
	if err := s.cfg.Store.PutJob(record); err != nil {
		s.logger.Error().Err(err).Str("job_id", record.Spec.ID).Msg("scheduler: failed to persist scheduled job")
		return
	}
	s.gossip(record)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runJob(record)
	}()
}

// electWinner returns the lowest node ID among candidates whose available
// memory satisfies the request, and whether any candidate qualified.
func (s *Scheduler) electWinner(record *types.JobRecord) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := []string{}
	if record.Spec.Target.Matches(s.cfg.LocalNodeID, s.cfg.LocalRoles) &&
		s.cfg.AvailableMemoryMB() >= record.Spec.Resources.MemoryMB {
		candidates = append(candidates, s.cfg.LocalNodeID)
	}
	for id, c := range s.peers {
		if record.Spec.Target.Matches(id, nil) && c.AvailableMemoryMB >= record.Spec.Resources.MemoryMB {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	return candidates[0], true
}

// runJob pre-stages, dispatches, and finalizes a scheduled job.
func (s *Scheduler) runJob(record *types.JobRecord) {
	jobID := record.Spec.ID
	workDir := filepath.Join(s.cfg.DataDir, "jobs", jobID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		s.failJob(record, fmt.Sprintf("allocate work directory: %v", err))
		return
	}

	if err := s.preStage(record, workDir); err != nil {
		s.failJob(record, err.Error())
		return
	}

	record.Status = types.JobRunning
	record.StartedAt = time.Now()
	_ = s.cfg.Store.PutJob(record)
	s.gossip(record)

	ctx, cancel := context.WithCancel(context.Background())
	if record.Spec.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, record.Spec.Timeout)
		defer timeoutCancel()
	}
	s.mu.Lock()
	s.cancels[jobID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, jobID)
		s.mu.Unlock()
	}()

	sink := func(stream, line string) {
		if s.cfg.Board != nil {
			s.cfg.Board.AppendLog(jobID, types.LogLine{Timestamp: time.Now(), Stream: stream, Text: line})
		}
	}

	runErr := s.cfg.Dispatcher.Run(ctx, runtime.Request{
		JobID:      jobID,
		Runtime:    record.Spec.RuntimeSel,
		Executable: record.Spec.Executable,
		Args:       record.Spec.Args,
		Env:        record.Spec.Env,
		WorkDir:    workDir,
		Resources:  record.Spec.Resources,
	}, sink)

	s.captureArtifacts(record, workDir)

	switch {
	case ctx.Err() == context.Canceled:
		record.Status = types.JobCancelled
	case runErr != nil:
		record.Status = types.JobFailed
		record.FailReason = runErr.Error()
	default:
		record.Status = types.JobCompleted
	}
	record.CompletedAt = time.Now()
	_ = s.cfg.Store.PutJob(record)
	s.gossip(record)
}

// preStage materializes each declared pre-stage entry into the job's work
// directory, fetching missing blobs with bounded retry (spec section 4.7).
func (s *Scheduler) preStage(record *types.JobRecord, workDir string) error {
	for _, entry := range record.Spec.PreStage {
		var data []byte
		var err error
		for attempt := 0; attempt <= preStageRetries; attempt++ {
			data, err = s.cfg.Blobs.Get(entry.Digest)
			if err == nil {
				break
			}
			if s.cfg.FetchBlob != nil {
				_ = s.cfg.FetchBlob(entry.Digest)
			}
			if attempt < preStageRetries {
				time.Sleep(preStageRetryWait)
			}
		}
		if err != nil {
			return fmt.Errorf("pre-stage blob %s unavailable after retries: %w", entry.Digest, err)
		}

		dest := filepath.Join(workDir, entry.Dest)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("pre-stage %s: %w", entry.Dest, err)
		}
		if err := os.WriteFile(dest, data, 0644); err != nil {
			return fmt.Errorf("pre-stage %s: %w", entry.Dest, err)
		}
	}
	return nil
}

// captureArtifacts reads each declared artifact path after exit and stores
// its bytes in CAS (spec section 4.7).
func (s *Scheduler) captureArtifacts(record *types.JobRecord, workDir string) {
	if record.Artifacts == nil {
		record.Artifacts = make(map[string]string)
	}
	for guestPath, name := range record.Spec.CaptureList {
		data, err := os.ReadFile(filepath.Join(workDir, guestPath))
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", record.Spec.ID).Str("artifact", name).Msg("scheduler: artifact not found after exit")
			continue
		}
		digest, err := s.cfg.Blobs.Put(data)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", record.Spec.ID).Str("artifact", name).Msg("scheduler: failed to store artifact")
			continue
		}
		record.Artifacts[name] = digest
	}
}

func (s *Scheduler) failJob(record *types.JobRecord, reason string) {
	record.Status = types.JobFailed
	record.FailReason = reason
	record.CompletedAt = time.Now()
	_ = s.cfg.Store.PutJob(record)
	s.gossip(record)
}

// maybeReenqueue fires a fresh job record from a recurring template
// whenever its cron schedule elapses (spec section 4.7: "completion of one
// recurrence does not block the next").
func (s *Scheduler) maybeReenqueue(template *types.JobRecord) {
	schedule, err := s.cronParse.Parse(template.Spec.Schedule)
	if err != nil {
		return
	}

	s.mu.Lock()
	next, seen := s.nextFire[template.Spec.ID]
	if !seen {
		next = schedule.Next(time.Now())
		s.nextFire[template.Spec.ID] = next
		s.mu.Unlock()
		return
	}
	due := !time.Now().Before(next)
	if due {
		s.nextFire[template.Spec.ID] = schedule.Next(time.Now())
	}
	s.mu.Unlock()

	if !due {
		return
	}

	instance := template.Spec
	instance.ID = uuid.New().String()
	instance.Kind = types.JobOneShot
	if err := s.OnJobSubmit(instance); err != nil {
		s.logger.Error().Err(err).Str("template_id", template.Spec.ID).Msg("scheduler: failed to re-enqueue recurring job")
	}
}

func (s *Scheduler) gossip(record *types.JobRecord) {
	if s.cfg.Gossip != nil {
		s.cfg.Gossip(record)
	}
}
