// Command receiverd is the daemon entrypoint: it loads configuration,
// starts one worker goroutine per configured port, and serves the admin
// status endpoint until every worker reaches a terminal state. CLI
// parsing uses stdlib flag/log; everything downstream of config loading
// uses zap, matching the internal packages.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/madpsy/warp-receiver/internal/adminstatus"
	"github.com/madpsy/warp-receiver/internal/config"
	"github.com/madpsy/warp-receiver/internal/events"
	"github.com/madpsy/warp-receiver/internal/session"
	"github.com/madpsy/warp-receiver/internal/threadctl"
	"github.com/madpsy/warp-receiver/internal/throttler"
	"github.com/madpsy/warp-receiver/internal/transport"
	"github.com/madpsy/warp-receiver/internal/translog"
	"github.com/madpsy/warp-receiver/internal/worker"
)

// Arguments is a flat, flag-parsed options bag rather than a
// config-object-per-concern split.
type Arguments struct {
	ConfigPath string
	TransferID string
	DestDir    string
	Debug      bool
}

func parseArguments() *Arguments {
	args := &Arguments{}
	flag.StringVar(&args.ConfigPath, "config", "receiverd.yaml", "Path to the daemon's YAML configuration file")
	flag.StringVar(&args.TransferID, "transfer-id", "", "Transfer id every accepted sender must present (required)")
	flag.StringVar(&args.DestDir, "dest-dir", ".", "Destination directory received files are written under")
	flag.BoolVar(&args.Debug, "debug", false, "Enable debug-level logging")
	flag.Parse()

	if args.TransferID == "" {
		log.Fatalf("--transfer-id is required.")
	}
	return args
}

func newLogger(levelName string, debug bool) *zap.SugaredLogger {
	level := zap.NewAtomicLevel()
	if debug {
		level.SetLevel(zapcore.DebugLevel)
	} else {
		_ = level.UnmarshalText([]byte(config.ParseLogLevel(levelName)))
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	return logger.Sugar()
}

func newPublisher(cfg config.MQTTConfig, logger *zap.SugaredLogger) events.Publisher {
	if !cfg.Enabled {
		return events.NoopPublisher{}
	}
	pub, err := events.NewMQTTPublisher(events.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		TLS:      cfg.TLS,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		logger.Warnw("mqtt publisher unavailable, falling back to noop", "error", err)
		return events.NoopPublisher{}
	}
	return pub
}

func newStream(p config.Port) (transport.Stream, error) {
	switch p.Kind {
	case "serial":
		return transport.NewSerialStream(p.SerialDevice, p.BaudRate), nil
	case "tcp", "":
		return transport.NewTCPStream("0.0.0.0", p.Number), nil
	default:
		return nil, fmt.Errorf("receiverd: unknown port kind %q", p.Kind)
	}
}

func main() {
	log.SetFlags(log.LstdFlags)
	args := parseArguments()

	watcher, err := config.NewWatcher(args.ConfigPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	file, err := config.Load(args.ConfigPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	static := file.Static
	runtime := watcher.Current()

	logger := newLogger(runtime.LogLevel, args.Debug)
	defer logger.Sync()

	logger.Infow("receiverd starting", "config", args.ConfigPath, "transferId", args.TransferID, "ports", len(static.Ports))

	var logManager translog.Manager = translog.NoopManager{}
	if static.TransferLogDir != "" {
		fm, err := translog.NewFileManager(static.TransferLogDir, args.TransferID)
		if err != nil {
			logger.Warnw("transfer log unavailable, continuing without resumption support", "error", err)
		} else {
			logManager = fm
			defer fm.Close()
		}
	}

	rateThrottler := throttler.NewRateThrottler(runtime.ThrottleBytesPerSec, int(runtime.ThrottleBytesPerSec))

	sess := session.New(session.Config{
		TransferID:      args.TransferID,
		ProtocolVersion: static.ProtocolVersion,
		DestDir:         args.DestDir,
		LogManager:      logManager,
		Throttler:       rateThrottler,
	})

	publisher := newPublisher(runtime.MQTT, logger)
	defer publisher.Close()

	controller := threadctl.New()
	registry := adminstatus.NewRegistry()

	if static.AdminListenAddr != "" {
		server := &http.Server{Addr: static.AdminListenAddr, Handler: adminstatus.Handler(registry)}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorw("admin status server stopped", "error", err)
			}
		}()
		defer server.Close()
	}

	go func() {
		for update := range watcher.Updates() {
			logger.Infow("runtime config updated", "throttleBytesPerSec", update.ThrottleBytesPerSec)
			rateThrottler.SetBytesPerSecond(update.ThrottleBytesPerSec)
		}
	}()

	opts := worker.Options{
		BufferSize:       static.BufferSize,
		ListenMaxRetries: static.ListenMaxRetries,
		ListenRetryDelay: time.Duration(static.ListenRetryDelayMs) * time.Millisecond,
		AcceptMaxRetries: static.AcceptMaxRetries,
		AcceptWindowMs:   static.AcceptWindowMs,
	}

	var wg sync.WaitGroup
	streams := make([]transport.Stream, len(static.Ports))
	for i, p := range static.Ports {
		stream, err := newStream(p)
		if err != nil {
			logger.Fatalw("failed to build transport for port", "port", p.Number, "error", err)
		}
		streams[i] = stream
		threadOpts := opts
		threadOpts.ThreadIndex = i

		w := worker.New(threadOpts, stream, controller, sess, logger, publisher)

		wg.Add(1)
		go func(w *worker.Worker, port int) {
			defer wg.Done()
			registry.Update(adminstatus.WorkerStatus{Port: port, State: "STARTING"})
			final := w.Run()
			status := adminstatus.WorkerStatus{Port: port, State: final.String()}
			if snap, ok := sess.ThreadStats(port); ok {
				status.CheckpointIndex = snap.CheckpointIndex
				status.BytesTransferred = snap.DataBytes
			}
			registry.Update(status)
			logger.Infow("worker finished", "port", port, "finalState", final.String())
		}(w, p.Number)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-sigCh:
		logger.Infow("shutdown signal received, closing all streams")
		for _, s := range streams {
			s.CloseAll()
		}
		<-done
	case <-done:
		logger.Infow("all workers finished")
	}
}
