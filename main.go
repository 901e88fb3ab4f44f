package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/gigapi/linepipe/config"
	"github.com/gigapi/linepipe/fileio"
	"github.com/gigapi/linepipe/ingest"
	"github.com/gigapi/linepipe/ooo"
	"github.com/gigapi/linepipe/pool"
	"github.com/gigapi/linepipe/router"
	"github.com/gigapi/linepipe/table"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configFile := flag.String("config", "", "configuration file path")
	dev := flag.Bool("dev", false, "development logging")
	flag.Parse()

	var log *zap.Logger
	var err error
	if *dev {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal("could not load configuration", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		log.Fatal("could not create root", zap.String("root", cfg.Root), zap.Error(err))
	}

	ff := fileio.NewOS()
	pipeline := ooo.NewPipeline(ff, cfg.CopyQueueCapacity, cfg.CopyWorkers, log)
	engine := table.NewCatalog(cfg.Root, ff, pipeline, log)

	copyPool := pool.New("ooo-copy", cfg.CopyWorkers, log)
	for w := 0; w < cfg.CopyWorkers; w++ {
		copyPool.Assign(w, pipeline.CopyJob())
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatal("could not listen", zap.String("addr", cfg.ListenAddr), zap.Error(err))
	}
	dispatcher := ingest.NewTCPDispatcher(listener, cfg.Precision, log)

	ioPool := pool.New("line-io", cfg.IOWorkers, log)
	writerPool := pool.New("line-writer", cfg.WriterWorkers, log)
	sched := ingest.NewScheduler(cfg, engine, ioPool, dispatcher, writerPool, clock.New(), log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(sched.Collectors()...)
	registry.MustRegister(pipeline.Collectors()...)
	router.Register(sched, registry)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router.New()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", zap.Error(err))
		}
	}()

	copyPool.Start()
	writerPool.Start()
	ioPool.Start()
	dispatcher.Serve()
	log.Info("linepipe started",
		zap.String("listen", cfg.ListenAddr),
		zap.String("http", cfg.HTTPAddr),
		zap.String("root", cfg.Root))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	dispatcher.Close()
	ioPool.Close()
	writerPool.Close()
	sched.Close()
	copyPool.Close()
	httpServer.Close()
}
