// Command nwb-capsule packages the session attached under the data root
// into an NWB-Zarr file under the results root.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nucleus/nwb-capsule/internal/config"
	"github.com/nucleus/nwb-capsule/internal/logging"
	"github.com/nucleus/nwb-capsule/internal/packager"
)

func main() {
	configFile := flag.String("config", "", "optional config file (yaml, json or toml)")
	dataRoot := flag.String("data", "", "data root holding the primary asset")
	resultsRoot := flag.String("results", "", "results root for the local store")
	contractFile := flag.String("contract", "", "data contract YAML; the built-in VR foraging contract when empty")
	compression := flag.String("compression", "", "chunk compression: none, zstd or gzip")
	workers := flag.Int("workers", 0, "concurrent stream loaders")
	strict := flag.Bool("strict", false, "fail on the first stream or site error")
	parquet := flag.Bool("parquet", false, "also export every table as parquet")
	sites := flag.Bool("sites", false, "derive the per-site trial table")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			cfg.DataRoot = *dataRoot
		case "results":
			cfg.ResultsRoot = *resultsRoot
		case "contract":
			cfg.ContractFile = *contractFile
		case "compression":
			cfg.Compression = *compression
		case "workers":
			cfg.Workers = *workers
		case "strict":
			cfg.Strict = *strict
		case "parquet":
			cfg.ParquetExport = *parquet
		case "sites":
			cfg.ProcessSites = *sites
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, closeFn, err := packager.FromConfig(ctx, cfg, log)
	if err != nil {
		logging.LogFatal(log, "setup failed", err)
	}
	defer closeFn()

	res, err := p.Run(ctx)
	if err != nil {
		log.WithField("code", packager.CodeOf(err)).WithError(err).Error("packaging failed")
		closeFn()
		os.Exit(1)
	}
	fmt.Println(res.Location)
}
