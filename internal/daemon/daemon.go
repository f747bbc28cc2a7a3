// Package daemon assembles a running soar node from its configuration: bus,
// store, locks, collaborators, the response engine, detection ingest and the
// API server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/action"
	"github.com/bytefense/soar/internal/api"
	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/incident"
	"github.com/bytefense/soar/internal/ingest"
	"github.com/bytefense/soar/internal/keylock"
	"github.com/bytefense/soar/internal/playbook"
	"github.com/bytefense/soar/internal/response"
	"github.com/bytefense/soar/internal/reversal"
)

const dedupCapacity = 100_000

// Daemon owns every long-lived component of a node.
type Daemon struct {
	Config *core.Config
	Logs   *core.LogRingBuffer
	Logger zerolog.Logger

	configPath string
	version    string

	bus       *core.EventBus
	store     incident.Store
	locker    keylock.Locker
	playbooks *playbook.Registry
	scheduler *reversal.Scheduler
	engine    *response.Engine
	dedup     *core.DeliveryDedup
	stopDedup func()
	natsIn    *ingest.NATSSource
	kafkaIn   *ingest.KafkaSource
	syslogIn  *ingest.SyslogSource
	archiver  *core.Archiver
	server    *api.Server

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New builds the process logger. Components are created by Start.
func New(cfg *core.Config, configPath, version string) *Daemon {
	logs := core.NewLogRingBuffer(cfg.Logging.BufferSize)
	logger := core.NewLogger(cfg.Logging, logs)
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		Config:     cfg,
		Logs:       logs,
		Logger:     logger,
		configPath: configPath,
		version:    version,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Engine returns the response engine once Start has succeeded.
func (d *Daemon) Engine() *response.Engine { return d.engine }

// Start brings the node up in dependency order. On error everything already
// started is shut down again.
func (d *Daemon) Start() error {
	log := d.Logger.With().Str("component", "daemon").Logger()
	log.Info().Str("version", d.version).Msg("starting soar")
	if err := d.start(); err != nil {
		d.Shutdown()
		return err
	}
	log.Info().
		Int("playbooks", d.playbooks.Len()).
		Str("store", d.Config.Store.Driver).
		Str("lock", d.Config.Engine.Lock.Backend).
		Str("firewall", d.Config.Firewall.Backend).
		Bool("bus", d.bus != nil).
		Msg("soar started")
	return nil
}

func (d *Daemon) start() error {
	cfg := d.Config
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	if cfg.Bus.Enabled {
		bus, err := core.NewEventBus(&cfg.Bus, d.Logger)
		if err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
		d.bus = bus
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	d.store = store

	if d.locker, err = openLocker(ctx, cfg.Engine.Lock, d.Logger); err != nil {
		return err
	}

	if d.playbooks, err = playbook.Load(cfg.Playbooks.File); err != nil {
		return fmt.Errorf("loading playbooks: %w", err)
	}

	collab, err := d.collaborators(ctx)
	if err != nil {
		return err
	}
	exec := action.NewExecutor(cfg.Executor, collab, d.Logger)
	d.scheduler = reversal.NewScheduler(cfg.Reversal, d.store, d.locker, exec, d.Logger)

	deps := response.Deps{
		Store:     d.store,
		Playbooks: d.playbooks,
		Executor:  exec,
		Scheduler: d.scheduler,
		Locker:    d.locker,
	}
	if d.bus != nil {
		deps.Publisher = d.bus
	}
	if d.engine, err = response.NewEngine(cfg.Engine, deps, d.Logger); err != nil {
		return err
	}
	d.engine.Start()

	if cfg.Archive.Enabled {
		if d.bus == nil {
			return errors.New("archive.enabled requires bus.enabled")
		}
		if d.archiver, err = core.NewArchiver(cfg.Archive, d.bus, d.Logger); err != nil {
			return err
		}
		if err := d.archiver.Start(d.ctx); err != nil {
			return fmt.Errorf("starting archiver: %w", err)
		}
	}

	if err := d.startIngest(); err != nil {
		return err
	}

	d.server = api.NewServer(api.Options{
		Config:  cfg,
		Engine:  d.engine,
		Logs:    d.Logs,
		Status:  d.Status,
		Version: d.version,
		Logger:  d.Logger,
	})
	return d.server.Start()
}

func openStore(ctx context.Context, cfg core.StoreConfig) (incident.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := incident.OpenPostgres(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("opening incident store: %w", err)
		}
		return s, nil
	default:
		return incident.NewMemoryStore(), nil
	}
}

func openLocker(ctx context.Context, cfg core.LockConfig, logger zerolog.Logger) (keylock.Locker, error) {
	if cfg.Backend != "redis" {
		return keylock.NewLocal(), nil
	}
	l, err := keylock.NewRedis(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting redis lock backend: %w", err)
	}
	return l, nil
}

func (d *Daemon) collaborators(ctx context.Context) (action.Collaborators, error) {
	cfg := d.Config
	fw, err := action.NewFirewall(cfg.Firewall, d.Logger)
	if err != nil {
		return action.Collaborators{}, err
	}
	notifier, err := action.NewNotifier(cfg.Notify, d.Logger)
	if err != nil {
		return action.Collaborators{}, err
	}

	var uploader action.Uploader
	if cfg.Evidence.S3.Enabled {
		u, err := action.NewS3Uploader(ctx, cfg.Evidence.S3, d.Logger)
		if err != nil {
			return action.Collaborators{}, fmt.Errorf("evidence s3: %w", err)
		}
		uploader = u
	}

	var directives action.Directives = action.NewLogDirectives(d.Logger)
	if d.bus != nil {
		directives = action.NewBusDirectives(d.bus, d.Logger)
	}

	return action.Collaborators{
		Firewall:   fw,
		Notifier:   notifier,
		Evidence:   action.NewEvidenceCollector(cfg.Evidence, uploader, d.Logger),
		Directives: directives,
	}, nil
}

func (d *Daemon) startIngest() error {
	cfg := d.Config.Ingest
	if cfg.DedupTTL > 0 {
		d.dedup = core.NewDeliveryDedup(cfg.DedupTTL, dedupCapacity)
		d.stopDedup = d.dedup.StartCleanup(cfg.DedupTTL / 2)
	}

	if cfg.NATS.Enabled && d.bus != nil {
		d.natsIn = ingest.NewNATSSource(cfg.NATS, d.bus, d.engine, d.dedup, d.Logger)
		if err := d.natsIn.Start(); err != nil {
			return fmt.Errorf("starting nats ingest: %w", err)
		}
	}
	if cfg.Kafka.Enabled {
		src, err := ingest.NewKafkaSource(cfg.Kafka, d.engine, d.dedup, d.Logger)
		if err != nil {
			return err
		}
		d.kafkaIn = src
		if err := src.Start(); err != nil {
			return err
		}
	}
	if cfg.Syslog.Enabled {
		d.syslogIn = ingest.NewSyslogSource(cfg.Syslog, d.engine, d.dedup, d.Logger)
		if err := d.syslogIn.Start(d.ctx); err != nil {
			return fmt.Errorf("starting syslog ingest: %w", err)
		}
	}
	return nil
}

// Run starts the node and blocks until SIGINT or SIGTERM. SIGHUP reloads
// the hot-reloadable settings.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	log := d.Logger.With().Str("component", "daemon").Logger()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				changes, err := d.Reload()
				if err != nil {
					log.Error().Err(err).Msg("reload failed")
					continue
				}
				log.Info().Strs("changes", changes).Msg("configuration reloaded")
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		case <-d.ctx.Done():
			log.Info().Msg("context cancelled")
		}
		d.Shutdown()
		return nil
	}
}

// Shutdown stops intake first, then drains the engine, then releases
// infrastructure. It is safe to call on a partially started daemon and more
// than once.
func (d *Daemon) Shutdown() {
	d.stopOnce.Do(d.shutdown)
}

func (d *Daemon) shutdown() {
	log := d.Logger.With().Str("component", "daemon").Logger()
	log.Info().Msg("shutting down soar")

	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			log.Error().Err(err).Msg("error stopping API server")
		}
	}
	if d.syslogIn != nil {
		d.syslogIn.Stop()
	}
	if d.kafkaIn != nil {
		if err := d.kafkaIn.Stop(); err != nil {
			log.Error().Err(err).Msg("error closing kafka reader")
		}
	}
	if d.natsIn != nil {
		d.natsIn.Stop()
	}
	if d.engine != nil {
		// drains queued detections and stops the reversal scheduler
		d.engine.Stop()
	} else if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.stopDedup != nil {
		d.stopDedup()
	}
	if d.archiver != nil {
		d.archiver.Close()
	}
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			log.Error().Err(err).Msg("error closing event bus")
		}
	}
	if c, ok := d.locker.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("error closing lock backend")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.Error().Err(err).Msg("error closing incident store")
		}
	}
	d.cancel()
	log.Info().Msg("soar stopped")
}

// Status reports component state for GET /api/v1/status.
func (d *Daemon) Status() map[string]interface{} {
	st := map[string]interface{}{
		"bus_connected": d.bus != nil && d.bus.IsConnected(),
		"store":         d.Config.Store.Driver,
		"lock_backend":  d.Config.Engine.Lock.Backend,
		"firewall":      d.Config.Firewall.Backend,
	}
	if d.bus != nil {
		st["bus"] = d.bus.GetMetrics()
	}
	if d.dedup != nil {
		st["delivery_dedup_size"] = d.dedup.Size()
	}
	ingestStatus := map[string]interface{}{
		"nats":   d.natsIn != nil,
		"syslog": d.syslogIn != nil,
	}
	if d.kafkaIn != nil {
		ingestStatus["kafka"] = d.kafkaIn.Stats()
	} else {
		ingestStatus["kafka"] = false
	}
	st["ingest"] = ingestStatus
	if d.archiver != nil {
		st["archive"] = d.archiver.Status()
	}
	return st
}
