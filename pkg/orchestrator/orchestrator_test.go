package orchestrator_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v2xlabs/v2xbench/pkg/config"
	"github.com/v2xlabs/v2xbench/pkg/kpi"
	"github.com/v2xlabs/v2xbench/pkg/orchestrator"
	"github.com/v2xlabs/v2xbench/pkg/store"
	"github.com/v2xlabs/v2xbench/pkg/supervisor"
)

type testHarness struct {
	orch      orchestrator.Orchestrator
	store     store.Store
	outputDir string
	clearLog  string
}

// writeScript creates an executable shell script in dir.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))

	return path
}

// setupHarness starts a store and orchestrator around the given experiment
// script body. The clear script appends to clearLog so tests can count
// invocations.
func setupHarness(t *testing.T, scriptBody string) *testHarness {
	t.Helper()

	tmp := t.TempDir()

	clearLog := filepath.Join(tmp, "clear.log")
	script := writeScript(t, tmp, "experiment.sh", scriptBody)
	clearScript := writeScript(t, tmp, "clear.sh",
		fmt.Sprintf("echo cleared >> %s\n", clearLog))

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	outputDir := filepath.Join(tmp, "outputs")

	cfg := &config.OrchestratorConfig{
		Script:        script,
		ClearScript:   clearScript,
		OutputDir:     outputDir,
		Profiles:      []string{"normal", "moderate", "severe", "handoff"},
		Protocols:     []string{"UDP", "TCP", "MQTT"},
		GracePeriod:   2 * time.Second,
		ClearTimeout:  5 * time.Second,
		MinFreeDiskMB: 1,
	}

	orch := orchestrator.New(log, cfg, st, nil)
	require.NoError(t, orch.Start(context.Background()))

	t.Cleanup(func() { _ = orch.Stop() })

	return &testHarness{
		orch:      orch,
		store:     st,
		outputDir: outputDir,
		clearLog:  clearLog,
	}
}

// waitForTerminal polls until the run reaches a terminal status.
func waitForTerminal(t *testing.T, h *testHarness, id uint) *store.Run {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)

	for time.Now().Before(deadline) {
		run, err := h.store.GetRun(context.Background(), id)
		require.NoError(t, err)

		if run.IsTerminal() {
			return run
		}

		time.Sleep(25 * time.Millisecond)
	}

	t.Fatal("run did not reach a terminal status in time")

	return nil
}

func clearInvocations(t *testing.T, h *testHarness) int {
	t.Helper()

	data, err := os.ReadFile(h.clearLog)
	if os.IsNotExist(err) {
		return 0
	}

	require.NoError(t, err)

	return strings.Count(string(data), "cleared")
}

func validRequest(name string) *orchestrator.StartRequest {
	return &orchestrator.StartRequest{
		Name:            name,
		DurationSeconds: 10,
		Profile:         "normal",
		Protocols:       "ALL",
	}
}

func TestStartRun_Validation(t *testing.T) {
	h := setupHarness(t, "exit 0\n")
	ctx := context.Background()

	tests := []struct {
		name  string
		req   *orchestrator.StartRequest
		field string
	}{
		{
			name: "empty name",
			req: &orchestrator.StartRequest{
				Name: "", DurationSeconds: 60, Profile: "normal",
			},
			field: "name",
		},
		{
			name: "name with path separator",
			req: &orchestrator.StartRequest{
				Name: "../escape", DurationSeconds: 60, Profile: "normal",
			},
			field: "name",
		},
		{
			name: "name with spaces",
			req: &orchestrator.StartRequest{
				Name: "my run", DurationSeconds: 60, Profile: "normal",
			},
			field: "name",
		},
		{
			name: "duration too short",
			req: &orchestrator.StartRequest{
				Name: "short", DurationSeconds: 9, Profile: "normal",
			},
			field: "duration",
		},
		{
			name: "duration too long",
			req: &orchestrator.StartRequest{
				Name: "long", DurationSeconds: 301, Profile: "normal",
			},
			field: "duration",
		},
		{
			name: "unknown profile",
			req: &orchestrator.StartRequest{
				Name: "badprofile", DurationSeconds: 60, Profile: "extreme",
			},
			field: "profile",
		},
		{
			name: "unknown protocol",
			req: &orchestrator.StartRequest{
				Name: "badproto", DurationSeconds: 60, Profile: "normal",
				Protocols: "UDP,CARRIER_PIGEON",
			},
			field: "protocols",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.StartRun(ctx, tt.req)
			require.Error(t, err)

			var validationErr *orchestrator.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)
		})
	}

	// No run record is created for a rejected request.
	runs, err := h.orch.ListRuns(ctx, 0, "")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStartRun_ProtocolNormalization(t *testing.T) {
	h := setupHarness(t, "exit 0\n")
	ctx := context.Background()

	run, err := h.orch.StartRun(ctx, &orchestrator.StartRequest{
		Name: "proto_norm", DurationSeconds: 10, Profile: "normal",
		Protocols: "udp,tcp",
	})
	require.NoError(t, err)
	assert.Equal(t, "UDP,TCP", run.ProtocolSelection)

	waitForTerminal(t, h, run.ID)
}

func TestStartRun_CompletesWithReport(t *testing.T) {
	h := setupHarness(t, `
echo "PHASE:setup|0"
echo "PHASE:impairment|10"
echo "PHASE:messaging|50"
echo "PHASE:report|95"
exit 0
`)
	ctx := context.Background()

	run, err := h.orch.StartRun(ctx, validRequest("full_run"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, run.Status)
	require.NotNil(t, run.StartedAt)
	assert.NotZero(t, run.ProcessPID)

	final := waitForTerminal(t, h, run.ID)

	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.ProgressPercent)
	require.NotNil(t, final.CompletedAt)
	assert.Empty(t, final.ErrorMessage)

	// Artifacts are written into the run's directory.
	assert.FileExists(t, filepath.Join(final.OutputDirectory, kpi.ReportFileName))
	assert.FileExists(t, filepath.Join(final.OutputDirectory, kpi.MessagesFileName))
	assert.FileExists(t, filepath.Join(final.OutputDirectory, "run.yaml"))

	// The impairment clear script ran exactly once.
	assert.Equal(t, 1, clearInvocations(t, h))
}

func TestStartRun_ScriptFailure(t *testing.T) {
	h := setupHarness(t, `
echo "PHASE:setup|0"
echo "tc: cannot apply netem profile" >&2
exit 3
`)
	ctx := context.Background()

	run, err := h.orch.StartRun(ctx, validRequest("failing_run"))
	require.NoError(t, err)

	final := waitForTerminal(t, h, run.ID)

	assert.Equal(t, store.StatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "exited with code 3")
	assert.Contains(t, final.ErrorMessage, "netem")
	require.NotNil(t, final.CompletedAt)

	// The impairment is cleared on failure too.
	assert.Equal(t, 1, clearInvocations(t, h))

	// No KPI report for a failed run.
	assert.NoFileExists(t, filepath.Join(final.OutputDirectory, kpi.ReportFileName))
}

func TestStartRun_SpawnFailureLeavesRunPending(t *testing.T) {
	h := setupHarness(t, "exit 0\n")
	ctx := context.Background()

	// Sabotage the script after harness setup.
	runs, err := h.orch.ListRuns(ctx, 0, "")
	require.NoError(t, err)
	require.Empty(t, runs)

	// A fresh harness with a nonexistent script path.
	tmp := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(ctx))

	t.Cleanup(func() { _ = st.Stop() })

	cfg := &config.OrchestratorConfig{
		Script:        filepath.Join(tmp, "missing.sh"),
		ClearScript:   writeScript(t, tmp, "clear.sh", "exit 0\n"),
		OutputDir:     filepath.Join(tmp, "outputs"),
		Profiles:      []string{"normal"},
		Protocols:     []string{"UDP"},
		GracePeriod:   time.Second,
		ClearTimeout:  time.Second,
		MinFreeDiskMB: 1,
	}

	orch := orchestrator.New(log, cfg, st, nil)
	require.NoError(t, orch.Start(ctx))

	t.Cleanup(func() { _ = orch.Stop() })

	_, err = orch.StartRun(ctx, validRequest("unspawnable"))
	require.Error(t, err)

	var spawnErr *supervisor.SpawnError
	assert.ErrorAs(t, err, &spawnErr)

	// The run record exists and stays pending; its name is consumed.
	run, err := st.GetRunByName(ctx, "unspawnable")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, run.Status)

	_, err = orch.StartRun(ctx, validRequest("unspawnable"))

	var conflictErr *orchestrator.ConflictError
	assert.ErrorAs(t, err, &conflictErr)
}

func TestStartRun_SingleFlight(t *testing.T) {
	h := setupHarness(t, "sleep 30\n")
	ctx := context.Background()

	run, err := h.orch.StartRun(ctx, validRequest("blocker"))
	require.NoError(t, err)

	_, err = h.orch.StartRun(ctx, validRequest("rejected"))
	require.Error(t, err)

	var conflictErr *orchestrator.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Contains(t, conflictErr.Reason, "blocker")

	require.NoError(t, h.orch.CancelRun(ctx, run.ID))

	// After the blocker is finalized a new run may start.
	next, err := h.orch.StartRun(ctx, validRequest("next_run"))
	require.NoError(t, err)
	require.NoError(t, h.orch.CancelRun(ctx, next.ID))
}

func TestStartRun_NameUniquenessOutlivesRun(t *testing.T) {
	h := setupHarness(t, "exit 0\n")
	ctx := context.Background()

	run, err := h.orch.StartRun(ctx, validRequest("unique_name"))
	require.NoError(t, err)
	waitForTerminal(t, h, run.ID)

	_, err = h.orch.StartRun(ctx, validRequest("unique_name"))
	require.Error(t, err)

	var conflictErr *orchestrator.ConflictError
	assert.ErrorAs(t, err, &conflictErr)
}

func TestCancelRun(t *testing.T) {
	h := setupHarness(t, `
echo "PHASE:messaging|40"
sleep 30
`)
	ctx := context.Background()

	run, err := h.orch.StartRun(ctx, validRequest("cancel_me"))
	require.NoError(t, err)

	// Let the phase event land before cancelling.
	time.Sleep(300 * time.Millisecond)

	require.NoError(t, h.orch.CancelRun(ctx, run.ID))

	// CancelRun returns only after the terminal status is persisted.
	final, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, final.Status)
	require.NotNil(t, final.CompletedAt)

	// Cancellation wins over the exit code; progress is not forced to 100.
	assert.NotEqual(t, 100, final.ProgressPercent)

	assert.Equal(t, 1, clearInvocations(t, h))
}

func TestCancelRun_Errors(t *testing.T) {
	h := setupHarness(t, "exit 0\n")
	ctx := context.Background()

	err := h.orch.CancelRun(ctx, 424242)
	assert.ErrorIs(t, err, orchestrator.ErrRunNotFound)

	run, err := h.orch.StartRun(ctx, validRequest("done_then_cancel"))
	require.NoError(t, err)
	waitForTerminal(t, h, run.ID)

	err = h.orch.CancelRun(ctx, run.ID)
	require.Error(t, err)

	var conflictErr *orchestrator.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Contains(t, conflictErr.Reason, "completed")
}

func TestProgress_NeverRegresses(t *testing.T) {
	h := setupHarness(t, `
echo "PHASE:messaging|50"
echo "PHASE:late_replay|30"
sleep 30
`)
	ctx := context.Background()

	run, err := h.orch.StartRun(ctx, validRequest("monotonic"))
	require.NoError(t, err)

	// Give both events time to be ingested.
	require.Eventually(t, func() bool {
		got, err := h.store.GetRun(ctx, run.ID)
		require.NoError(t, err)

		return got.CurrentPhase == "late_replay"
	}, 10*time.Second, 25*time.Millisecond)

	got, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)

	// The lower percent updates the phase but not the progress.
	assert.Equal(t, 50, got.ProgressPercent)
	assert.Equal(t, "late_replay", got.CurrentPhase)

	require.NoError(t, h.orch.CancelRun(ctx, run.ID))
}

func TestGetRunStatus(t *testing.T) {
	h := setupHarness(t, "sleep 30\n")
	ctx := context.Background()

	_, err := h.orch.GetRunStatus(ctx, 999)
	assert.ErrorIs(t, err, orchestrator.ErrRunNotFound)

	run, err := h.orch.StartRun(ctx, validRequest("status_run"))
	require.NoError(t, err)

	status, err := h.orch.GetRunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, status.Status)
	assert.LessOrEqual(t, status.RemainingSeconds, 10)

	current, err := h.orch.GetRunningRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.ID, current.ID)

	require.NoError(t, h.orch.CancelRun(ctx, run.ID))

	// Terminal runs carry no live timing.
	status, err = h.orch.GetRunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Zero(t, status.ElapsedSeconds)
	assert.Zero(t, status.RemainingSeconds)

	_, err = h.orch.GetRunningRun(ctx)
	assert.ErrorIs(t, err, orchestrator.ErrRunNotFound)
}

func TestGetReport(t *testing.T) {
	h := setupHarness(t, "exit 0\n")
	ctx := context.Background()

	run, err := h.orch.StartRun(ctx, validRequest("report_run"))
	require.NoError(t, err)
	waitForTerminal(t, h, run.ID)

	report, err := h.orch.GetReport(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, report.Report)
	assert.Equal(t, "report_run", report.Run.Name)

	// No messages in the window: an explicit no-data report.
	assert.True(t, report.Report.Overall.NoData)
}

func TestGetReport_Errors(t *testing.T) {
	h := setupHarness(t, "sleep 30\n")
	ctx := context.Background()

	_, err := h.orch.GetReport(ctx, 999)
	assert.ErrorIs(t, err, orchestrator.ErrRunNotFound)

	run, err := h.orch.StartRun(ctx, validRequest("still_running"))
	require.NoError(t, err)

	_, err = h.orch.GetReport(ctx, run.ID)

	var conflictErr *orchestrator.ConflictError
	assert.ErrorAs(t, err, &conflictErr)

	require.NoError(t, h.orch.CancelRun(ctx, run.ID))

	// A completed run whose report file is gone.
	orphan := &store.Run{
		Name: "orphan_report", Status: store.StatusCompleted,
		Profile: "normal", DurationSeconds: 10, ProtocolSelection: "ALL",
		OutputDirectory: filepath.Join(h.outputDir, "orphan_report"),
	}
	require.NoError(t, h.store.CreateRun(ctx, orphan))

	_, err = h.orch.GetReport(ctx, orphan.ID)
	assert.ErrorIs(t, err, orchestrator.ErrReportUnavailable)
}

func TestOrchestratorStart_FailsStaleRun(t *testing.T) {
	tmp := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(tmp, "v2x.db")},
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	// Simulate a run left behind by an unclean shutdown.
	stale := &store.Run{
		Name: "stale_run", Status: store.StatusRunning,
		Profile: "normal", DurationSeconds: 60, ProtocolSelection: "ALL",
	}
	require.NoError(t, st.CreateRun(context.Background(), stale))

	cfg := &config.OrchestratorConfig{
		Script:        writeScript(t, tmp, "experiment.sh", "exit 0\n"),
		ClearScript:   writeScript(t, tmp, "clear.sh", "exit 0\n"),
		OutputDir:     filepath.Join(tmp, "outputs"),
		Profiles:      []string{"normal"},
		Protocols:     []string{"UDP"},
		GracePeriod:   time.Second,
		ClearTimeout:  time.Second,
		MinFreeDiskMB: 1,
	}

	orch := orchestrator.New(log, cfg, st, nil)
	require.NoError(t, orch.Start(context.Background()))

	t.Cleanup(func() { _ = orch.Stop() })

	got, err := st.GetRunByName(context.Background(), "stale_run")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "restarted")
}

func TestCleanupRuns(t *testing.T) {
	h := setupHarness(t, "exit 0\n")
	ctx := context.Background()

	run, err := h.orch.StartRun(ctx, validRequest("old_completed"))
	require.NoError(t, err)
	final := waitForTerminal(t, h, run.ID)
	require.DirExists(t, final.OutputDirectory)

	// A running run created before the cutoff must survive.
	blocker := &store.Run{
		Name: "still_going", Status: store.StatusRunning,
		Profile: "normal", DurationSeconds: 60, ProtocolSelection: "ALL",
	}
	require.NoError(t, h.store.CreateRun(ctx, blocker))

	deleted, err := h.orch.CleanupRuns(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = h.store.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoDirExists(t, final.OutputDirectory)

	_, err = h.store.GetRun(ctx, blocker.ID)
	assert.NoError(t, err)
}
