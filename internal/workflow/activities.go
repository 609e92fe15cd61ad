package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/nucleus/nwb-capsule/internal/packager"
)

// Runner is the packaging entry point; *packager.Packager implements it.
type Runner interface {
	Run(ctx context.Context) (*packager.Result, error)
	Package(ctx context.Context, sess *packager.Session) (*packager.Result, error)
}

// Activities hosts the packaging activity. HeartbeatEvery defaults to a
// quarter of the activity heartbeat timeout.
type Activities struct {
	Runner         Runner
	HeartbeatEvery time.Duration
}

// NewActivities returns activities backed by r.
func NewActivities(r Runner) *Activities {
	return &Activities{Runner: r}
}

// PackageSession runs the packager. Errors without a retryable hint, such
// as missing metadata, fail the workflow without further attempts.
func (a *Activities) PackageSession(ctx context.Context, input PackageSessionInput) (*PackageSessionOutput, error) {
	logger := activity.GetLogger(ctx)
	if a.Runner == nil {
		return nil, temporal.NewNonRetryableApplicationError("packager not configured", "E_NOT_CONFIGURED", nil)
	}
	every := a.HeartbeatEvery
	if every <= 0 {
		every = packageActivityOptions.HeartbeatTimeout / 4
	}
	stop := keepAlive(ctx, every, func() { activity.RecordHeartbeat(ctx, input.AssetDir) })
	defer stop()

	var (
		res *packager.Result
		err error
	)
	if input.AssetDir != "" {
		var sess *packager.Session
		if sess, err = packager.ReadSession(input.AssetDir); err == nil {
			res, err = a.Runner.Package(ctx, sess)
		}
	} else {
		res, err = a.Runner.Run(ctx)
	}
	if err != nil {
		return nil, toApplicationError(err)
	}

	logger.Info("PackageSession complete", "asset", res.Asset, "runId", res.RunID)
	return &PackageSessionOutput{
		RunID:           res.RunID,
		Asset:           res.Asset,
		Location:        res.Location,
		Tables:          len(res.Tables),
		Rows:            res.Rows,
		Bytes:           res.Bytes,
		Skipped:         res.Skipped,
		ParquetLocation: res.ParquetLocation,
	}, nil
}

// keepAlive calls beat now and then every interval until the returned stop
// function is called or ctx ends. stop waits for the loop to exit.
func keepAlive(ctx context.Context, every time.Duration, beat func()) (stop func()) {
	beat()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				beat()
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

func toApplicationError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	code := packager.CodeOf(err)
	if code == "" {
		code = "E_PACKAGE_FAILED"
	}
	if packager.IsRetryable(err) {
		return temporal.NewApplicationErrorWithCause(err.Error(), code, err)
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), code, err)
}
