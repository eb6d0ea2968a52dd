package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wentaoxu/tikv/pkg/config"
	"github.com/wentaoxu/tikv/pkg/coprocessor"
	"github.com/wentaoxu/tikv/pkg/gc"
	"github.com/wentaoxu/tikv/pkg/logging"
	"github.com/wentaoxu/tikv/pkg/pd"
	"github.com/wentaoxu/tikv/pkg/storage"
	"github.com/wentaoxu/tikv/pkg/util/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a TOML or JSON config file")
		dataDir    = flag.String("data-dir", "", "override the storage data directory")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, File: cfg.Logging.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer logger.Sync()

	engine, err := storage.NewBadgerEngine(cfg.Storage.DataDir)
	if err != nil {
		logger.Sugar().Fatalf("open storage engine: %v", err)
	}
	defer engine.Close()

	endpointWorker := worker.New[coprocessor.Task]("endpoint", 4096, 32)
	host := coprocessor.NewHost(engine, endpointWorker.Scheduler(), &cfg.Endpoint, nil)
	endpointWorker.Start(host)
	defer func() {
		endpointWorker.Stop()
		host.Close()
	}()

	pdClient := pd.NewMemClient()
	gcWorker := gc.NewWorker(engine, pdClient, cfg.GC)
	gcWorker.Start()
	defer gcWorker.Stop()

	logger.Info("coprocessor endpoint started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
}
