package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"zapflow/config"
	"zapflow/internal/channel"
	"zapflow/internal/dashboard"
	"zapflow/internal/metrics"
	"zapflow/internal/receipt"
	"zapflow/internal/session"
	"zapflow/logger"
	"zapflow/processor"
	"zapflow/writer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	targetsPath := flag.String("targets", config.DefaultTargetsPath, "Path to target configuration file")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Zapflow.Name,
		"version": cfg.Zapflow.Version,
		"env":     config.AppEnvironment(),
	}).WithFields(logger.Fields(cfg.Logging.Fields)).Info("starting zapflow")

	targets, err := config.LoadTargets(*targetsPath)
	if err != nil {
		log.WithError(err).Error("failed to load targets")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.PrometheusAddr != "" {
		metrics.Init(cfg.Metrics.PrometheusAddr)
	}
	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		metrics.InitCloudWatch(cw.Region, cw.Namespace, cw.Dashboard)
		logger.InitCloudWatch(cw.Region, cw.Namespace, cw.Dashboard+"-runtime")
	}

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	channels := channel.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.RecordBuffer)

	go channels.StartMetricsReporting(ctx)
	metrics.StartChannelSizeMetrics(ctx, channels, cfg.Dashboard.Refresh)

	proc := processor.NewReceiptProcessor(cfg, channels.Events, receipt.NewParser(nil, log))
	if err := proc.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start receipt processor")
		os.Exit(1)
	}

	var paymentWriter *writer.PaymentWriter
	if cfg.Writer.Enabled {
		paymentWriter, err = writer.NewPaymentWriter(ctx, cfg, channels.Events.Records)
		if err != nil {
			log.WithError(err).Error("failed to create payment writer")
			os.Exit(1)
		}
		if err := paymentWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start payment writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("export disabled; skipping payment writer")
	}

	sessions := session.NewManager(cfg, proc, channels.Events)
	sessions.StartAll(ctx, targets.Targets)

	dash, err := dashboard.NewServer(cfg.Dashboard, log, sessions)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	dashDone := make(chan struct{})
	go func() {
		defer close(dashDone)
		if err := dash.Run(ctx, cfg.Zapflow.Name); err != nil {
			log.WithComponent("dashboard").WithError(err).Error("dashboard stopped")
		}
	}()
	if dash != nil {
		log.WithComponent("dashboard").WithFields(logger.Fields{"address": dash.Address()}).Info("dashboard listening")
	}

	log.WithFields(logger.Fields{"targets": sessions.Len()}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	steps := []func(){
		func() {
			log.Info("stopping sessions")
			sessions.StopAll()
		},
		func() {
			log.Info("stopping receipt processor")
			proc.Stop()
		},
	}
	if paymentWriter != nil {
		steps = append(steps, func() {
			log.Info("stopping payment writer")
			paymentWriter.Stop()
		})
	}
	steps = append(steps, func() {
		cancel()
		<-dashDone
	})

	if shutdown(log, shutdownTimeout, channels.Close, steps...) {
		log.Info("graceful shutdown completed")
	} else {
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("zapflow stopped")
}

// shutdown runs steps in order and closes the channels once all of them
// returned. When timeout elapses first the channels stay open, since a
// relay read loop may still be sending, and false is returned.
func shutdown(log *logger.Log, timeout time.Duration, closeChannels func(), steps ...func()) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, step := range steps {
			step()
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		closeChannels()
		return true
	case <-timer.C:
		log.WithComponent("main").WithFields(logger.Fields{"timeout": timeout.String()}).Warn("shutdown steps still running")
		return false
	}
}
