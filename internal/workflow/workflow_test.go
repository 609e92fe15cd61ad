package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/nucleus/nwb-capsule/internal/packager"
)

type fakeRunner struct {
	calls int
	delay time.Duration
	res   *packager.Result
	err   error
}

func (f *fakeRunner) Run(context.Context) (*packager.Result, error) {
	f.calls++
	time.Sleep(f.delay)
	return f.res, f.err
}

func (f *fakeRunner) Package(ctx context.Context, _ *packager.Session) (*packager.Result, error) {
	return f.Run(ctx)
}

func runWorkflow(t *testing.T, r *fakeRunner) (*testsuite.TestWorkflowEnvironment, *PackageSessionOutput) {
	t.Helper()
	return runActivities(t, NewActivities(r))
}

func runActivities(t *testing.T, acts *Activities) (*testsuite.TestWorkflowEnvironment, *PackageSessionOutput) {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivity(acts)
	env.RegisterWorkflow(PackageSessionWorkflowFunc)
	env.ExecuteWorkflow(PackageSessionWorkflowFunc, PackageSessionInput{})
	if !env.IsWorkflowCompleted() {
		t.Fatal("workflow did not complete")
	}
	var out *PackageSessionOutput
	if env.GetWorkflowError() == nil {
		if err := env.GetWorkflowResult(&out); err != nil {
			t.Fatalf("result: %v", err)
		}
	}
	return env, out
}

func TestPackageSessionWorkflow(t *testing.T) {
	r := &fakeRunner{res: &packager.Result{
		RunID:  "run-1",
		Asset:  "VR_1_primary_nwb",
		Tables: []string{"Behavior.HarpBehavior.AnalogData", "events"},
		Rows:   42,
		Bytes:  1024,
	}}
	env, out := runWorkflow(t, r)
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	if out.Asset != "VR_1_primary_nwb" || out.Tables != 2 || out.Rows != 42 {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestPackageSessionWorkflow_BadInputIsNotRetried(t *testing.T) {
	r := &fakeRunner{err: &packager.Error{Code: packager.CodeNoAsset, Err: errors.New("no primary data asset attached")}}
	env, _ := runWorkflow(t, r)
	err := env.GetWorkflowError()
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected application error, got %v", err)
	}
	if appErr.Type() != packager.CodeNoAsset || !appErr.NonRetryable() {
		t.Fatalf("type=%s nonRetryable=%v", appErr.Type(), appErr.NonRetryable())
	}
	if r.calls != 1 {
		t.Fatalf("activity ran %d times, want 1", r.calls)
	}
}

func TestPackageSessionWorkflow_RetriesStoreErrors(t *testing.T) {
	r := &fakeRunner{err: &packager.Error{Code: packager.CodeWriteFailed, Retryable: true, Err: errors.New("endpoint unreachable")}}
	env, _ := runWorkflow(t, r)
	if env.GetWorkflowError() == nil {
		t.Fatal("expected workflow error")
	}
	if r.calls != int(packageActivityOptions.RetryPolicy.MaximumAttempts) {
		t.Fatalf("activity ran %d times, want %d", r.calls, packageActivityOptions.RetryPolicy.MaximumAttempts)
	}
}

func TestKeepAlive_BeatsUntilStopped(t *testing.T) {
	var beats atomic.Int32
	stop := keepAlive(context.Background(), 5*time.Millisecond, func() { beats.Add(1) })
	time.Sleep(40 * time.Millisecond)
	stop()
	got := beats.Load()
	if got < 3 {
		t.Fatalf("beats = %d, want at least 3", got)
	}
	time.Sleep(20 * time.Millisecond)
	if after := beats.Load(); after != got {
		t.Fatalf("beats continued after stop: %d -> %d", got, after)
	}
	stop()
}

func TestKeepAlive_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var beats atomic.Int32
	stop := keepAlive(ctx, time.Millisecond, func() { beats.Add(1) })
	cancel()
	stop()
	got := beats.Load()
	time.Sleep(10 * time.Millisecond)
	if beats.Load() != got {
		t.Fatal("beats continued after cancel")
	}
}

func TestPackageSessionWorkflow_SlowRunHeartbeats(t *testing.T) {
	if every := packageActivityOptions.HeartbeatTimeout / 4; every <= 0 || every >= packageActivityOptions.HeartbeatTimeout {
		t.Fatalf("default heartbeat interval %v must be below the timeout", every)
	}
	r := &fakeRunner{delay: 50 * time.Millisecond, res: &packager.Result{Asset: "VR_1_primary_nwb"}}
	env, out := runActivities(t, &Activities{Runner: r, HeartbeatEvery: 5 * time.Millisecond})
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	if out.Asset != "VR_1_primary_nwb" || r.calls != 1 {
		t.Fatalf("out=%+v calls=%d", out, r.calls)
	}
}
