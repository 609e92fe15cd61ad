// Package workflow runs session packaging as a Temporal workflow so
// sessions can be queued and retried by the orchestration layer.
package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	PackageSessionWorkflowName = "packageSessionWorkflow"
	PackageSessionActivityName = "PackageSession"
)

var packageActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 2 * time.Hour,
	HeartbeatTimeout:    10 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    5 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    5 * time.Minute,
		MaximumAttempts:    3,
	},
}

// PackageSessionInput selects the session to package. AssetDir names the
// asset directly; when empty the worker's data root is searched.
type PackageSessionInput struct {
	AssetDir string `json:"assetDir,omitempty"`
}

// PackageSessionOutput summarizes a finished run.
type PackageSessionOutput struct {
	RunID           string `json:"runId"`
	Asset           string `json:"asset"`
	Location        string `json:"location"`
	Tables          int    `json:"tables"`
	Rows            int64  `json:"rows"`
	Bytes           int64  `json:"bytes"`
	Skipped         int    `json:"skipped,omitempty"`
	ParquetLocation string `json:"parquetLocation,omitempty"`
}

// PackageSessionWorkflowFunc packages one session.
func PackageSessionWorkflowFunc(ctx workflow.Context, input PackageSessionInput) (*PackageSessionOutput, error) {
	logger := workflow.GetLogger(ctx)
	actCtx := workflow.WithActivityOptions(ctx, packageActivityOptions)

	var out PackageSessionOutput
	if err := workflow.ExecuteActivity(actCtx, PackageSessionActivityName, input).Get(ctx, &out); err != nil {
		logger.Error("packaging failed", "assetDir", input.AssetDir, "error", err)
		return nil, err
	}
	logger.Info("session packaged", "asset", out.Asset, "tables", out.Tables, "rows", out.Rows)
	return &out, nil
}
