// Command nwb-worker serves session packaging on a Temporal task queue and
// reports its health over gRPC.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nucleus/nwb-capsule/internal/config"
	"github.com/nucleus/nwb-capsule/internal/logging"
	"github.com/nucleus/nwb-capsule/internal/packager"
	nwbworkflow "github.com/nucleus/nwb-capsule/internal/workflow"
)

const healthService = "nwb.capsule.Worker"

func main() {
	configFile := flag.String("config", "", "optional config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logging.LogFatal(logging.New(os.Stderr, "info", "text"), "config", err)
	}
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, closeFn, err := packager.FromConfig(ctx, cfg, log)
	if err != nil {
		logging.LogFatal(log, "setup failed", err)
	}
	defer closeFn()

	c, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHost,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		logging.LogFatal(log, "failed to create Temporal client", err)
	}
	defer c.Close()

	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterActivity(nwbworkflow.NewActivities(p))
	w.RegisterWorkflowWithOptions(nwbworkflow.PackageSessionWorkflowFunc, workflow.RegisterOptions{Name: nwbworkflow.PackageSessionWorkflowName})

	lis, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		logging.LogFatal(log, "failed to listen for health checks", err)
	}
	server := grpc.NewServer()
	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthSvc)
	healthSvc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)
	go func() {
		if err := server.Serve(lis); err != nil {
			logging.LogError(log, "health server stopped", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(worker.InterruptCh())
	}()
	log.WithField("task_queue", cfg.TemporalTaskQueue).WithField("health_addr", cfg.HealthAddr).Info("worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logging.LogError(log, "worker error", err)
		}
	}
	healthSvc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	server.GracefulStop()
}
