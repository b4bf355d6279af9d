// Package orchestrator implements the experiment run state machine. It
// validates start requests, drives the external experiment script through
// the process supervisor, applies phase events to the run repository, and
// finalizes runs on process exit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/v2xlabs/v2xbench/pkg/config"
	"github.com/v2xlabs/v2xbench/pkg/kpi"
	"github.com/v2xlabs/v2xbench/pkg/phase"
	"github.com/v2xlabs/v2xbench/pkg/store"
	"github.com/v2xlabs/v2xbench/pkg/supervisor"
	"github.com/v2xlabs/v2xbench/pkg/upload"
)

// Duration bounds for a single run, in seconds.
const (
	MinDurationSeconds = 10
	MaxDurationSeconds = 300
)

// tailSummaryLines is how many trailing output lines go into the error
// message of a failed run.
const tailSummaryLines = 3

// namePattern is the run name grammar. Names are used as directory names,
// so the character set stays deliberately narrow.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,100}$`)

// StartRequest carries the operator-supplied parameters for a new run.
type StartRequest struct {
	Name            string `json:"name"`
	DurationSeconds int    `json:"duration_seconds"`
	Profile         string `json:"profile"`

	// Protocols is a comma-separated protocol list, or "ALL".
	Protocols string `json:"protocols"`
}

// RunStatus is a run decorated with live timing information.
type RunStatus struct {
	store.Run

	ElapsedSeconds   int `json:"elapsed_seconds,omitempty"`
	RemainingSeconds int `json:"remaining_seconds,omitempty"`
}

// RunReport pairs a completed run with its KPI report.
type RunReport struct {
	Run    *store.Run  `json:"run"`
	Report *kpi.Report `json:"report"`
}

// Orchestrator ties the run repository, process supervisor, phase parser,
// and KPI engine together.
type Orchestrator interface {
	Start(ctx context.Context) error
	Stop() error

	StartRun(ctx context.Context, req *StartRequest) (*store.Run, error)
	CancelRun(ctx context.Context, id uint) error
	GetRunStatus(ctx context.Context, id uint) (*RunStatus, error)
	GetRunningRun(ctx context.Context) (*RunStatus, error)
	ListRuns(ctx context.Context, limit int, status string) ([]store.Run, error)
	GetReport(ctx context.Context, id uint) (*RunReport, error)
	Profiles() []string

	// CleanupRuns deletes terminal runs created before the cutoff,
	// together with their artifact directories.
	CleanupRuns(ctx context.Context, cutoff time.Time) (int, error)
}

// Compile-time interface check.
var _ Orchestrator = (*orchestrator)(nil)

type orchestrator struct {
	log      logrus.FieldLogger
	cfg      *config.OrchestratorConfig
	store    store.Store
	sup      *supervisor.Supervisor
	engine   *kpi.Engine
	uploader upload.Uploader

	// mu guards active and serializes the whole start path so the
	// single-flight check and the spawn are atomic.
	mu     sync.Mutex
	active *activeRun

	wg sync.WaitGroup
}

// activeRun is the in-memory state of the one currently running experiment.
type activeRun struct {
	id     uint
	name   string
	handle *supervisor.Handle

	// windowStart bounds the message-record window for KPI computation.
	windowStart float64

	// mu is the per-run critical section for transition decisions.
	mu              sync.Mutex
	cancelRequested bool
	finalized       bool
	lastPercent     int

	// finalizedCh is closed once the terminal status has been persisted.
	finalizedCh chan struct{}
}

// New creates an orchestrator. The uploader may be nil.
func New(
	log logrus.FieldLogger,
	cfg *config.OrchestratorConfig,
	st store.Store,
	uploader upload.Uploader,
) Orchestrator {
	return &orchestrator{
		log:      log.WithField("component", "orchestrator"),
		cfg:      cfg,
		store:    st,
		sup:      supervisor.New(log, cfg.GracePeriod),
		engine:   kpi.NewEngine(log),
		uploader: uploader,
	}
}

// Start prepares the orchestrator for accepting runs.
func (o *orchestrator) Start(ctx context.Context) error {
	if err := os.MkdirAll(o.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	// A run left in the running status by an unclean shutdown can never
	// complete; fail it so the single-flight invariant is restored.
	if stale, err := o.store.GetRunningRun(ctx); err == nil {
		now := time.Now().UTC()
		stale.Status = store.StatusFailed
		stale.ErrorMessage = "orchestrator restarted while run was in progress"
		stale.CompletedAt = &now

		if err := o.store.UpdateRun(ctx, stale); err != nil {
			return fmt.Errorf("failing stale run: %w", err)
		}

		o.log.WithField("run", stale.Name).Warn("Failed stale run from previous process")
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("checking for stale run: %w", err)
	}

	o.log.Debug("Orchestrator started")

	return nil
}

// Stop cancels any active run and waits for its monitor to finish.
func (o *orchestrator) Stop() error {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()

	if active != nil {
		active.mu.Lock()
		active.cancelRequested = true
		active.mu.Unlock()

		o.sup.Terminate(active.handle)
	}

	o.wg.Wait()

	o.log.Debug("Orchestrator stopped")

	return nil
}

// StartRun validates the request, creates the run, and spawns the
// experiment script. It returns before the run completes; a monitor
// goroutine tracks progress and finalizes the run.
func (o *orchestrator) StartRun(ctx context.Context, req *StartRequest) (*store.Run, error) {
	protocols, err := o.validate(req)
	if err != nil {
		return nil, err
	}

	// Name uniqueness is permanent: a name stays taken after its run
	// reaches a terminal status.
	if _, err := o.store.GetRunByName(ctx, req.Name); err == nil {
		return nil, &ConflictError{
			Reason: fmt.Sprintf("run %q already exists", req.Name),
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking name uniqueness: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		return nil, &ConflictError{
			Reason: fmt.Sprintf("run %q is already running", o.active.name),
		}
	}

	if err := o.checkDiskSpace(); err != nil {
		return nil, err
	}

	outputDir := filepath.Join(o.cfg.OutputDir, req.Name)

	run := &store.Run{
		Name:              req.Name,
		Status:            store.StatusPending,
		Profile:           req.Profile,
		DurationSeconds:   req.DurationSeconds,
		ProtocolSelection: protocols,
		OutputDirectory:   outputDir,
	}

	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	if err := o.prepareOutputDir(run); err != nil {
		o.log.WithError(err).Warn("Failed to prepare output directory")
	}

	handle, err := o.sup.Spawn(
		o.cfg.Script,
		req.Name,
		strconv.Itoa(req.DurationSeconds),
		req.Profile,
	)
	if err != nil {
		// The run record stays pending; the name is consumed.
		return nil, fmt.Errorf("spawning experiment script: %w", err)
	}

	now := time.Now().UTC()
	run.Status = store.StatusRunning
	run.StartedAt = &now
	run.ProgressPercent = 0
	run.ProcessPID = handle.PID()

	if err := o.store.UpdateRun(ctx, run); err != nil {
		o.sup.Terminate(handle)

		return nil, fmt.Errorf("marking run as running: %w", err)
	}

	active := &activeRun{
		id:          run.ID,
		name:        run.Name,
		handle:      handle,
		windowStart: float64(now.UnixNano()) / 1e9,
		finalizedCh: make(chan struct{}),
	}

	o.active = active

	o.wg.Add(1)

	go o.monitor(active)

	o.log.WithFields(logrus.Fields{
		"run":      run.Name,
		"profile":  run.Profile,
		"duration": run.DurationSeconds,
		"pid":      run.ProcessPID,
	}).Info("Run started")

	return run, nil
}

// validate checks the request parameters and returns the normalized
// protocol selection.
func (o *orchestrator) validate(req *StartRequest) (string, error) {
	if !namePattern.MatchString(req.Name) {
		return "", &ValidationError{
			Field:  "name",
			Reason: "must be 1-100 characters of letters, digits, and underscores",
		}
	}

	if req.DurationSeconds < MinDurationSeconds || req.DurationSeconds > MaxDurationSeconds {
		return "", &ValidationError{
			Field: "duration",
			Reason: fmt.Sprintf("must be between %d and %d seconds",
				MinDurationSeconds, MaxDurationSeconds),
		}
	}

	known := false
	for _, p := range o.cfg.Profiles {
		if p == req.Profile {
			known = true

			break
		}
	}

	if !known {
		return "", &ValidationError{
			Field: "profile",
			Reason: fmt.Sprintf("unknown profile %q, must be one of: %s",
				req.Profile, strings.Join(o.cfg.Profiles, ", ")),
		}
	}

	selection := strings.ToUpper(strings.TrimSpace(req.Protocols))
	if selection == "" || selection == store.ProtocolAll {
		return store.ProtocolAll, nil
	}

	for _, proto := range strings.Split(selection, ",") {
		valid := false
		for _, p := range o.cfg.Protocols {
			if proto == p {
				valid = true

				break
			}
		}

		if !valid {
			return "", &ValidationError{
				Field: "protocols",
				Reason: fmt.Sprintf("unknown protocol %q, must be one of: %s, %s",
					proto, strings.Join(o.cfg.Protocols, ", "), store.ProtocolAll),
			}
		}
	}

	return selection, nil
}

// checkDiskSpace refuses a run when the output volume is nearly full.
// A failed probe is logged and does not block the run.
func (o *orchestrator) checkDiskSpace() error {
	usage, err := disk.Usage(o.cfg.OutputDir)
	if err != nil {
		o.log.WithError(err).Warn("Could not check disk space")

		return nil
	}

	required := o.cfg.MinFreeDiskMB * 1024 * 1024
	if usage.Free < required {
		return &ValidationError{
			Field: "disk",
			Reason: fmt.Sprintf("insufficient disk space: %d MB free, %d MB required",
				usage.Free/1024/1024, o.cfg.MinFreeDiskMB),
		}
	}

	return nil
}

// runMetadata is the snapshot written into each run's output directory.
type runMetadata struct {
	Name      string    `yaml:"name"`
	Profile   string    `yaml:"profile"`
	Duration  int       `yaml:"duration_seconds"`
	Protocols string    `yaml:"protocols"`
	CreatedAt time.Time `yaml:"created_at"`
}

func (o *orchestrator) prepareOutputDir(run *store.Run) error {
	if err := os.MkdirAll(run.OutputDirectory, 0755); err != nil {
		return fmt.Errorf("creating run output directory: %w", err)
	}

	meta := runMetadata{
		Name:      run.Name,
		Profile:   run.Profile,
		Duration:  run.DurationSeconds,
		Protocols: run.ProtocolSelection,
		CreatedAt: time.Now().UTC(),
	}

	data, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("marshalling run metadata: %w", err)
	}

	path := filepath.Join(run.OutputDirectory, "run.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing run metadata: %w", err)
	}

	return nil
}

// monitor is the long-lived supervising task for one run. It applies phase
// events in receipt order, waits for the child to exit, and finalizes.
func (o *orchestrator) monitor(active *activeRun) {
	defer o.wg.Done()

	log := o.log.WithField("run", active.name)

	parser := phase.NewParser(log)

	if err := parser.Parse(active.handle.Output(), func(ev phase.Event) {
		o.ingest(active, ev)
	}); err != nil {
		log.WithError(err).Warn("Phase stream ended with error")
	}

	exitCode := o.sup.Wait(active.handle)

	o.finalize(active, exitCode)
}

// ingest applies one phase event. Progress never regresses: an out-of-order
// or duplicate event is absorbed by the max. Late events after termination
// are dropped by the store's status guard.
func (o *orchestrator) ingest(active *activeRun, ev phase.Event) {
	active.mu.Lock()

	if ev.Percent > active.lastPercent {
		active.lastPercent = ev.Percent
	}

	percent := active.lastPercent
	active.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.store.UpdateRunProgress(ctx, active.id, ev.Phase, percent); err != nil {
		o.log.WithError(err).WithField("run", active.name).
			Warn("Failed to persist progress")
	}

	o.log.WithFields(logrus.Fields{
		"run":     active.name,
		"phase":   ev.Phase,
		"percent": percent,
	}).Debug("Phase event")
}

// finalize persists the terminal status exactly once per run. A recorded
// cancellation request wins over the exit code, even a successful-looking
// one. The impairment profile is cleared on every exit path.
func (o *orchestrator) finalize(active *activeRun, exitCode int) {
	active.mu.Lock()
	if active.finalized {
		active.mu.Unlock()

		return
	}

	active.finalized = true
	cancelled := active.cancelRequested
	active.mu.Unlock()

	log := o.log.WithField("run", active.name)

	// Kernel-level shaping must never survive a run, whatever its outcome.
	o.clearImpairment()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run, err := o.store.GetRun(ctx, active.id)
	if err != nil {
		log.WithError(err).Error("Failed to load run for finalization")
		o.release(active)

		return
	}

	now := time.Now().UTC()
	run.CompletedAt = &now
	run.ProcessPID = 0

	switch {
	case cancelled:
		run.Status = store.StatusCancelled

		log.Info("Run cancelled")
	case exitCode == 0:
		run.Status = store.StatusCompleted
		run.ProgressPercent = 100
		run.CurrentPhase = "completed"

		// Write the report before the completed status becomes visible,
		// so a poller that sees completed can fetch results immediately.
		windowEnd := float64(now.UnixNano()) / 1e9

		if err := o.computeReport(ctx, run, active.windowStart, windowEnd); err != nil {
			// The run still completes; the report is simply unavailable.
			log.WithError(err).Error("KPI computation failed")
		}

		log.Info("Run completed")
	default:
		run.Status = store.StatusFailed
		run.ErrorMessage = failureSummary(exitCode, active.handle.Tail())

		log.WithField("exit_code", exitCode).Error("Run failed")
	}

	if err := o.store.UpdateRun(ctx, run); err != nil {
		log.WithError(err).Error("Failed to persist terminal status")
	}

	o.release(active)
}

// release clears the active slot and unblocks cancellation waiters.
func (o *orchestrator) release(active *activeRun) {
	o.mu.Lock()
	if o.active == active {
		o.active = nil
	}
	o.mu.Unlock()

	close(active.finalizedCh)
}

// computeReport runs the KPI engine over the run's message window and
// writes the artifacts, then uploads them when an uploader is configured.
func (o *orchestrator) computeReport(ctx context.Context, run *store.Run, from, to float64) error {
	records, err := o.store.ListMessages(ctx, from, to)
	if err != nil {
		return fmt.Errorf("loading message records: %w", err)
	}

	report := o.engine.Compute(records)

	if err := o.engine.WriteArtifacts(run.OutputDirectory, report, records); err != nil {
		return err
	}

	if o.uploader != nil {
		if err := o.uploader.Upload(ctx, run.OutputDirectory); err != nil {
			o.log.WithError(err).WithField("run", run.Name).
				Warn("Artifact upload failed")
		}
	}

	return nil
}

// clearImpairment invokes the external clear script with a bounded
// timeout. Failure to clear is logged but never changes a run's status.
func (o *orchestrator) clearImpairment() {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ClearTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, o.cfg.ClearScript)

	if out, err := cmd.CombinedOutput(); err != nil {
		o.log.WithError(err).WithField("output", strings.TrimSpace(string(out))).
			Error("Failed to clear impairment profile")

		return
	}

	o.log.Info("Impairment profile cleared")
}

// failureSummary derives an error message from the exit code and the
// child's last output lines.
func failureSummary(exitCode int, tail []string) string {
	msg := fmt.Sprintf("process exited with code %d", exitCode)

	if len(tail) > tailSummaryLines {
		tail = tail[len(tail)-tailSummaryLines:]
	}

	if len(tail) > 0 {
		msg += ": " + strings.Join(tail, " | ")
	}

	return msg
}

// CancelRun requests cooperative termination of a running run. The request
// is recorded before the child is signalled so a racing finalize honors it.
func (o *orchestrator) CancelRun(ctx context.Context, id uint) error {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()

	if active == nil || active.id != id {
		run, err := o.store.GetRun(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrRunNotFound
			}

			return fmt.Errorf("loading run: %w", err)
		}

		return &ConflictError{
			Reason: fmt.Sprintf("cannot cancel run with status %q", run.Status),
		}
	}

	active.mu.Lock()
	active.cancelRequested = true
	active.mu.Unlock()

	o.log.WithField("run", active.name).Info("Cancellation requested")

	// Blocks until the grace period elapses or the group exits.
	o.sup.Terminate(active.handle)

	// Wait for the monitor to persist the cancelled status.
	select {
	case <-active.finalizedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetRunStatus returns a run with elapsed/remaining timing when running.
func (o *orchestrator) GetRunStatus(ctx context.Context, id uint) (*RunStatus, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRunNotFound
		}

		return nil, err
	}

	return decorate(run), nil
}

// GetRunningRun returns the currently running run, or ErrRunNotFound.
func (o *orchestrator) GetRunningRun(ctx context.Context) (*RunStatus, error) {
	run, err := o.store.GetRunningRun(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRunNotFound
		}

		return nil, err
	}

	return decorate(run), nil
}

func decorate(run *store.Run) *RunStatus {
	status := &RunStatus{Run: *run}

	if run.Status == store.StatusRunning && run.StartedAt != nil {
		elapsed := int(time.Since(*run.StartedAt).Seconds())
		status.ElapsedSeconds = elapsed

		if remaining := run.DurationSeconds - elapsed; remaining > 0 {
			status.RemainingSeconds = remaining
		}
	}

	return status
}

// ListRuns returns the most recent runs, optionally filtered by status.
func (o *orchestrator) ListRuns(ctx context.Context, limit int, status string) ([]store.Run, error) {
	return o.store.ListRuns(ctx, limit, status)
}

// GetReport loads the persisted KPI report for a completed run.
func (o *orchestrator) GetReport(ctx context.Context, id uint) (*RunReport, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRunNotFound
		}

		return nil, err
	}

	if run.Status != store.StatusCompleted {
		return nil, &ConflictError{
			Reason: fmt.Sprintf("run has status %q, no results available", run.Status),
		}
	}

	report, err := kpi.ReadReport(filepath.Join(run.OutputDirectory, kpi.ReportFileName))
	if err != nil {
		o.log.WithError(err).WithField("run", run.Name).Debug("Report not readable")

		return nil, ErrReportUnavailable
	}

	return &RunReport{Run: run, Report: report}, nil
}

// Profiles returns the known impairment profiles.
func (o *orchestrator) Profiles() []string {
	return o.cfg.Profiles
}

// CleanupRuns deletes terminal runs created before the cutoff along with
// their artifact directories.
func (o *orchestrator) CleanupRuns(ctx context.Context, cutoff time.Time) (int, error) {
	runs, err := o.store.ListRunsCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	deleted := 0

	for i := range runs {
		run := &runs[i]

		if run.Status == store.StatusRunning || run.Status == store.StatusPending {
			continue
		}

		if run.OutputDirectory != "" {
			if err := os.RemoveAll(run.OutputDirectory); err != nil {
				o.log.WithError(err).WithField("run", run.Name).
					Warn("Failed to delete output directory")
			}
		}

		if err := o.store.DeleteRun(ctx, run.ID); err != nil {
			o.log.WithError(err).WithField("run", run.Name).
				Warn("Failed to delete run record")

			continue
		}

		deleted++
	}

	if deleted > 0 {
		o.log.WithField("count", deleted).Info("Cleaned up old runs")
	}

	return deleted, nil
}
