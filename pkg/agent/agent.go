package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/neuroplastio/neio-stream/internal/catalog"
	"github.com/neuroplastio/neio-stream/internal/configsvc"
	"github.com/neuroplastio/neio-stream/internal/drivers"
	"github.com/neuroplastio/neio-stream/internal/httpserver"
	"github.com/neuroplastio/neio-stream/internal/metrics"
	"github.com/neuroplastio/neio-stream/internal/streamsvc"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Agent struct {
	config       Config
	streamConfig StreamConfig

	log       *zap.Logger
	db        *badger.DB
	metrics   *prometheus.Registry
	configSvc *configsvc.Service
	streamSvc *streamsvc.Service
	catalog   *catalog.Service
	http      *httpserver.Server
}

func NewAgent(config Config) (*Agent, error) {
	logger, err := NewLogger(config.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	streamConfig, err := loadStreamConfig(config.StreamConfig)
	if err != nil {
		return nil, err
	}

	dbOptions := badger.DefaultOptions(filepath.Join(config.DataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}
	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	platform, err := drivers.NewPlatformRegistry(logger.Named("platform"), time.Now).New(streamConfig.Platform, mustJSON(streamConfig.Sim))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create platform: %w", err)
	}

	reg := metrics.NewRegistry()
	opts := append(drivers.Options(platform, time.Now),
		streamsvc.WithMetrics(metrics.NewStreamMetrics(reg)),
		streamsvc.WithMailboxSize(streamConfig.MailboxSize),
	)
	if streamConfig.StartTimeout > 0 {
		opts = append(opts, streamsvc.WithStartTimeout(streamConfig.StartTimeout.Duration()))
	}
	streamSvc, err := streamsvc.New(logger.Named("stream"), time.Now, opts...)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create stream service: %w", err)
	}

	a := &Agent{
		config:       config,
		streamConfig: streamConfig,
		log:          logger,
		db:           db,
		metrics:      reg,
		configSvc:    configsvc.New(logger.Named("config")),
		streamSvc:    streamSvc,
		catalog:      catalog.New(db, logger.Named("catalog"), streamSvc),
	}
	a.applyChannelConfig(streamConfig)
	if config.HTTPAddr != "" {
		a.http = httpserver.New(logger.Named("http"), config.HTTPAddr, streamSvc, a.catalog, metrics.Handler(reg))
	}
	return a, nil
}

// loadStreamConfig reads the stream configuration once. A missing file
// yields the defaults; Run writes them out.
func loadStreamConfig(path string) (StreamConfig, error) {
	cfg, err := configsvc.Load(path, DefaultStreamConfig())
	switch {
	case errors.Is(err, os.ErrNotExist):
		return DefaultStreamConfig(), nil
	case err != nil:
		return StreamConfig{}, fmt.Errorf("failed to load stream config: %w", err)
	}
	return cfg, nil
}

func (a *Agent) applyChannelConfig(cfg StreamConfig) {
	for _, name := range cfg.channelNames() {
		err := a.streamSvc.Configure(name, cfg.Channels[name])
		if errors.Is(err, streamsvc.ErrUnknownChannel) {
			a.log.Warn("Configuration for unknown channel ignored", zap.String("channel", name))
			continue
		}
		if err != nil {
			a.log.Error("Failed to configure channel", zap.String("channel", name), zap.Error(err))
		}
	}
}

func (a *Agent) onStreamConfigChange(cfg StreamConfig, err error) {
	if err != nil {
		a.log.Error("Invalid stream config, keeping the previous one", zap.Error(err))
		return
	}
	if cfg.Platform != a.streamConfig.Platform || cfg.MailboxSize != a.streamConfig.MailboxSize || cfg.StartTimeout != a.streamConfig.StartTimeout {
		a.log.Warn("Platform, mailbox and timeout changes apply after restart")
	}
	a.applyChannelConfig(cfg)
	a.log.Info("Stream config reloaded")
}

func (a *Agent) watchConfig(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-a.configSvc.Ready():
	}
	_, err := configsvc.RegisterWriteable(a.configSvc, a.config.StreamConfig, a.streamConfig, a.onStreamConfigChange)
	if err != nil {
		return fmt.Errorf("failed to register stream config: %w", err)
	}
	return nil
}

func (a *Agent) Close() error {
	err := a.db.Close()
	_ = a.log.Sync()
	return err
}

// Run starts the agent and blocks until the context is cancelled.
// Agent startup will fail if the configuration is not valid.
// In case configuration becomes invalid after the startup, it will remain running with the last valid configuration.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return a.watchConfig(groupCtx)
	})
	group.Go(func() error {
		return a.streamSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return a.catalog.Start(groupCtx)
	})
	if a.http != nil {
		group.Go(func() error {
			return a.http.Start(groupCtx)
		})
	}

	err := group.Wait()
	if err != nil {
		return fmt.Errorf("agent failed: %w", err)
	}
	return nil
}

func (a *Agent) Stream() *streamsvc.Service {
	return a.streamSvc
}

func (a *Agent) Catalog() *catalog.Service {
	return a.catalog
}

func (a *Agent) Logger() *zap.Logger {
	return a.log
}
