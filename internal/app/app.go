// Package app assembles the daemon: configuration, logging, the carrier
// registry, the scheduler, persistence, maintenance jobs, and the ops
// surface. It owns startup and shutdown ordering.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"trackgate/internal/carrier"
	"trackgate/internal/config"
	"trackgate/internal/eventbus"
	"trackgate/internal/ops"
	rtsup "trackgate/internal/runtime/supervisor"
	"trackgate/internal/sched"
	"trackgate/internal/storage"
	logx "trackgate/pkg/logx"
)

const (
	defaultSnapshotCron  = "@every 5m"
	defaultAuthProbeCron = "@every 15m"
	authProbeTimeout     = 10 * time.Second
)

type App struct {
	mgr    *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus   eventbus.Bus
	reg   *carrier.Registry
	sch   *sched.Scheduler
	ops   *ops.Server
	store storage.Store
	cron  *cron.Cron
	sup   *rtsup.Supervisor

	cfgCh   chan *config.Config
	sinkOff func()
}

func New(configPath string) *App {
	return &App{mgr: config.NewManager(configPath)}
}

// Scheduler exposes the dispatch core, e.g. for embedding callers.
func (a *App) Scheduler() *sched.Scheduler { return a.sch }

// Start brings everything up. On error, partially started components are
// torn down before returning.
func (a *App) Start(ctx context.Context) error {
	cfg, err := a.mgr.Load()
	if err != nil {
		return fmt.Errorf("app: load config: %w", err)
	}

	a.logSvc, a.log = logx.New(cfg.Logging.Runtime())
	a.mgr.SetLogger(a.log.With(logx.String("component", "config")))

	a.reg, err = buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	schedCfg, err := cfg.Scheduler.Runtime()
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	a.bus = eventbus.New()
	a.sch = sched.New(schedCfg, a.reg, a.log.With(logx.String("component", "sched")), a.bus)
	a.sch.Start(ctx)

	storeCfg, err := cfg.Storage.Runtime()
	if err == nil {
		a.store, err = storage.Open(storeCfg, a.log.With(logx.String("component", "storage")))
	}
	if err != nil {
		a.Stop(ctx)
		return fmt.Errorf("app: open storage: %w", err)
	}

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("component", "supervisor"))))

	a.cfgCh = a.mgr.Subscribe(4)
	a.sup.Go("config-watch", a.mgr.Watch)
	a.sup.Go("config-apply", a.applyLoop)

	if a.store != nil {
		ch, off := a.bus.Subscribe(256)
		a.sinkOff = off
		a.sup.Go("dispatch-sink", func(ctx context.Context) error {
			return a.dispatchSink(ctx, ch)
		})
	}

	a.startMaintenance(cfg)

	opsCfg, err := cfg.Ops.Runtime()
	if err != nil {
		a.Stop(ctx)
		return fmt.Errorf("app: %w", err)
	}
	a.ops = ops.New(opsCfg, a.sch, a.reg, a.log.With(logx.String("component", "ops")))
	if err := a.ops.Start(ctx); err != nil {
		a.Stop(ctx)
		return fmt.Errorf("app: ops server: %w", err)
	}

	a.log.Info("started", logx.Int("carriers", len(a.reg.All())))
	return nil
}

// Stop tears down in reverse order: stop accepting ops traffic, stop
// maintenance, drain the scheduler, then close sinks.
func (a *App) Stop(ctx context.Context) {
	if a.ops != nil {
		a.ops.Stop(ctx)
	}
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	if a.sch != nil {
		a.sch.Stop(ctx)
	}
	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if a.sinkOff != nil {
		a.sinkOff()
	}
	if a.cfgCh != nil {
		a.mgr.Unsubscribe(a.cfgCh)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.log.IsZero() {
		return
	}
	a.log.Info("stopped")
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
}

func buildRegistry(cfg *config.Config) (*carrier.Registry, error) {
	profiles := make([]*carrier.Profile, 0, len(cfg.Carriers))
	for name, cc := range cfg.Carriers {
		id, err := carrier.ParseID(name)
		if err != nil {
			return nil, err
		}
		rc, err := cc.Runtime(name)
		if err != nil {
			return nil, err
		}
		var tokens carrier.TokenSource
		if cc.Auth != nil && cc.Auth.TokenEnv != "" {
			tokens = &envTokenSource{carrier: name, envVar: cc.Auth.TokenEnv}
		}
		profiles = append(profiles, carrier.NewProfile(id, rc, tokens))
	}
	return carrier.NewRegistry(profiles...), nil
}

// applyLoop consumes committed config reloads. Reapplying a carrier config
// clears its auth-failure latch, so a config commit doubles as the operator's
// recovery lever after rotating credentials.
func (a *App) applyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return nil
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(cfg.Logging.Runtime())
	for name, cc := range cfg.Carriers {
		id, err := carrier.ParseID(name)
		if err != nil {
			continue
		}
		p, ok := a.reg.Get(id)
		if !ok {
			a.log.Warn("config adds unknown carrier, restart required", logx.String("carrier", name))
			continue
		}
		rc, err := cc.Runtime(name)
		if err != nil {
			a.log.Warn("carrier config rejected", logx.String("carrier", name), logx.Err(err))
			continue
		}
		p.Apply(rc)
	}
	a.log.Info("config applied", logx.Int("carriers", len(cfg.Carriers)))
}

// dispatchSink persists terminal dispatch outcomes from the event bus.
func (a *App) dispatchSink(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			re, isReq := ev.Data.(sched.RequestEvent)
			if !isReq {
				continue
			}
			switch ev.Type {
			case eventbus.TopicRequestCompleted, eventbus.TopicRequestRejected:
			default:
				continue
			}
			rec := storage.DispatchRecord{
				At:        ev.Time,
				RequestID: re.ID,
				Carrier:   re.Carrier,
				Attempts:  re.Attempt,
				LatencyMS: re.Latency.Milliseconds(),
				Error:     re.Error,
			}
			if err := a.store.AppendDispatch(ctx, rec); err != nil {
				a.log.Warn("dispatch record not persisted", logx.Err(err))
			}
		}
	}
}

func (a *App) startMaintenance(cfg *config.Config) {
	snapSpec, probeSpec := defaultSnapshotCron, defaultAuthProbeCron
	if cfg.Maintenance != nil {
		if cfg.Maintenance.SnapshotCron != "" {
			snapSpec = cfg.Maintenance.SnapshotCron
		}
		if cfg.Maintenance.AuthProbeCron != "" {
			probeSpec = cfg.Maintenance.AuthProbeCron
		}
	}

	a.cron = cron.New()
	if a.store != nil {
		if _, err := a.cron.AddFunc(snapSpec, a.snapshotJob); err != nil {
			a.log.Warn("snapshot cron rejected", logx.String("spec", snapSpec), logx.Err(err))
		}
	}
	if _, err := a.cron.AddFunc(probeSpec, a.authProbeJob); err != nil {
		a.log.Warn("auth probe cron rejected", logx.String("spec", probeSpec), logx.Err(err))
	}
	a.cron.Start()
}

func (a *App) snapshotJob() {
	sn := a.sch.GetMetrics()
	rec := storage.SnapshotRecord{
		At:        time.Now(),
		Depth:     sn.Depth,
		InFlight:  sn.InFlight,
		Processed: sn.Processed,
		Failed:    sn.Failed,
		Retried:   sn.Retried,
		Health:    string(sn.Health),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.AppendSnapshot(ctx, rec); err != nil {
		a.log.Warn("snapshot not persisted", logx.Err(err))
	}
}

// authProbeJob validates credentials ahead of demand so stale tokens are
// caught before they fail live requests. Within the profile's check interval
// the probe is a no-op.
func (a *App) authProbeJob() {
	for _, p := range a.reg.All() {
		ctx, cancel := context.WithTimeout(context.Background(), authProbeTimeout)
		err := p.ValidateAuth(ctx, time.Now())
		cancel()
		if err != nil {
			a.log.Warn("auth probe failed",
				logx.String("carrier", p.Name()),
				logx.Err(err))
		}
	}
}
