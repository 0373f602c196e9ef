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

	"quantbridge/config"
	"quantbridge/internal/adapter/binance"
	"quantbridge/internal/adapter/okx"
	"quantbridge/internal/asset"
	"quantbridge/internal/channel"
	"quantbridge/internal/engine"
	"quantbridge/internal/normalizer"
	"quantbridge/internal/publisher"
	"quantbridge/internal/sink"
	"quantbridge/logger"
	"quantbridge/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
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

	if cfg.Metrics.Enabled {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Quantbridge.Name,
		"version": cfg.Quantbridge.Version,
	}).Info("starting quantbridge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(
		cfg.Channels.BookBuffer,
		cfg.Channels.TradeBuffer,
		cfg.Channels.KlineBuffer,
	)
	defer channels.Close()
	go channels.StartMetricsReporting(ctx)

	var bus publisher.Bus
	if cfg.Bus.Kafka.Enabled {
		bus, err = publisher.NewKafkaBus(&cfg.Bus.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka bus")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("kafka disabled; events go to the log bus")
		bus = publisher.NewLogBus()
	}

	pub := publisher.NewPublisher(cfg, bus)
	go pub.StartMetricsReporting(ctx)

	eng := engine.NewEngine(cfg, pub)
	poller := asset.NewPoller(cfg, pub)

	var history chan models.Kline
	var klineSink *sink.KlineS3Sink
	if cfg.Storage.S3.Enabled {
		history = make(chan models.Kline, 256)
		klineSink, err = sink.NewKlineS3Sink(cfg, history)
		if err != nil {
			log.WithError(err).Error("failed to create kline s3 sink")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping kline archive")
	}

	norm := normalizer.NewNormalizer(cfg, channels, pub, history)

	var binanceDriver *binance.Driver
	if cfg.Platforms.Binance.Enabled {
		binanceDriver, err = binance.NewDriver(cfg, channels, eng)
		if err != nil {
			log.WithError(err).Error("failed to create binance driver")
			os.Exit(1)
		}
		eng.RegisterTrader(binance.Platform, binanceDriver)
		norm.RegisterResync(binance.Platform, binanceDriver.ResyncBook)
		poller.Register(binance.Platform, cfg.Platforms.Binance.Accounts[0].Name, binanceDriver)
	}

	var okxDriver *okx.Driver
	if cfg.Platforms.Okx.Enabled {
		okxDriver, err = okx.NewDriver(cfg, channels, eng)
		if err != nil {
			log.WithError(err).Error("failed to create okx driver")
			os.Exit(1)
		}
		eng.RegisterTrader(okx.Platform, okxDriver)
		norm.RegisterResync(okx.Platform, okxDriver.ResyncBook)
		poller.Register(okx.Platform, cfg.Platforms.Okx.Accounts[0].Name, okxDriver)
	}

	if binanceDriver == nil && okxDriver == nil {
		log.Error("no platform enabled, nothing to do")
		os.Exit(1)
	}

	if err := pub.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start publisher")
		os.Exit(1)
	}
	if klineSink != nil {
		if err := klineSink.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kline s3 sink")
			os.Exit(1)
		}
	}
	if err := norm.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start normalizer")
		os.Exit(1)
	}
	if err := eng.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start order engine")
		os.Exit(1)
	}
	if err := poller.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start asset poller")
		os.Exit(1)
	}
	if binanceDriver != nil {
		if err := binanceDriver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start binance driver")
			os.Exit(1)
		}
	}
	if okxDriver != nil {
		if err := okxDriver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start okx driver")
			os.Exit(1)
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if binanceDriver != nil {
		log.Info("stopping binance driver")
		binanceDriver.Stop()
	}
	if okxDriver != nil {
		log.Info("stopping okx driver")
		okxDriver.Stop()
	}

	log.Info("stopping asset poller")
	poller.Stop()

	log.Info("stopping order engine")
	eng.Stop()

	log.Info("stopping normalizer")
	norm.Stop()

	if klineSink != nil {
		log.Info("stopping kline s3 sink")
		klineSink.Stop()
	}

	log.Info("stopping publisher")
	pub.Stop()

	log.Info("shutdown complete")
}
