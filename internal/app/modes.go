package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantgrid/flowbot/internal/domain"
	"github.com/quantgrid/flowbot/internal/engine"
	"github.com/quantgrid/flowbot/internal/feed"
	"github.com/quantgrid/flowbot/internal/replay"
	"github.com/quantgrid/flowbot/internal/server"
	"github.com/quantgrid/flowbot/internal/server/handler"
	"github.com/quantgrid/flowbot/internal/server/ws"
	"github.com/quantgrid/flowbot/internal/service"
)

// shutdownTimeout bounds how long in-flight HTTP requests may run after the
// context is cancelled.
const shutdownTimeout = 10 * time.Second

// fanoutSink feeds engine outputs into the persister and publisher queues.
// Both enqueues are non-blocking, so the lane never waits on Postgres or
// Redis.
type fanoutSink struct {
	persister *service.Persister
	publisher *service.Publisher
}

func (s *fanoutSink) OnSignal(sig domain.TradeSignal) {
	s.persister.EnqueueSignal(sig)
	s.publisher.EnqueueSignal(sig)
}

func (s *fanoutSink) OnExit(exit domain.TradeExit) {
	s.persister.EnqueueExit(exit)
	s.publisher.EnqueueExit(exit)
}

func (s *fanoutSink) OnBarUpdate(bar domain.Bar, closed bool) {
	s.persister.EnqueueBar(bar, closed)
	s.publisher.EnqueueBar(bar, closed)
}

func (s *fanoutSink) OnOrderFlow(ev domain.OrderFlowEvent) {
	s.publisher.EnqueueOrderFlow(ev)
}

// LiveMode ingests the market-data feed and runs the detection pipeline with
// persistence and event fan-out, without the HTTP API.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startLiveEngine(ctx, g, deps)
	a.startRetention(ctx, g, deps)
	return g.Wait()
}

// ReplayMode runs the replay control surface only: the HTTP API exposes the
// replay endpoints and the WebSocket hub relays replay status events. No live
// feed is started, so a replay box can run against the same database without
// competing for the upstream connection.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting replay mode")

	g, ctx := errgroup.WithContext(ctx)
	coord := a.newReplayCoordinator(deps)
	a.startHTTPServer(ctx, g, deps, nil, coord)
	return g.Wait()
}

// ServerMode serves the read-only history API and the WebSocket hub over
// previously recorded data. No live engine and no replay control.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, nil, nil)
	return g.Wait()
}

// FullMode starts everything: live ingestion, the detection pipeline, the
// HTTP API with the replay control surface, and the retention loop.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	eng := a.startLiveEngine(ctx, g, deps)
	coord := a.newReplayCoordinator(deps)
	a.startHTTPServer(ctx, g, deps, eng, coord)
	a.startRetention(ctx, g, deps)
	return g.Wait()
}

// startLiveEngine builds the persister, publisher, engine and feeder for live
// ingestion and attaches them to the group. It returns the engine so the HTTP
// layer can expose its status.
func (a *App) startLiveEngine(ctx context.Context, g *errgroup.Group, deps *Dependencies) *engine.Engine {
	ec := a.cfg.Engine

	persister := service.NewPersister(service.PersisterConfig{
		QueueSize:   ec.PersistQueueSize,
		BarThrottle: time.Duration(ec.PersistThrottleSec) * time.Second,
	}, deps.SignalStore, deps.BarStore, deps.TickStore, a.logger)

	publisher := service.NewPublisher(deps.Bus, deps.BarCache, deps.Notifier, ec.PersistQueueSize, a.logger)

	sink := &fanoutSink{persister: persister, publisher: publisher}
	eng := a.newEngine(domain.RealClock{}, sink)

	feeder := feed.NewFeeder(a.cfg.Feed.WsURL, a.cfg.Feed.Instruments, eng, persister, a.logger)

	g.Go(func() error { return persister.Run(ctx) })
	g.Go(func() error { return publisher.Run(ctx) })
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return feeder.Run(ctx) })
	return eng
}

// startRetention attaches the archive-then-trim loop when archiving is
// enabled.
func (a *App) startRetention(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Archive.Enabled || deps.Archiver == nil {
		return
	}
	keepFor := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	ret := service.NewRetention(
		deps.Archiver,
		deps.TickStore, deps.BarStore, deps.SignalStore,
		keepFor, a.cfg.Archive.Interval.Duration,
		a.logger,
	)
	g.Go(func() error { return ret.Run(ctx) })
}

// newReplayCoordinator builds the coordinator with a fresh-engine builder.
// Each session gets its own engine so replay state never bleeds into live
// lanes; the session lock keeps replays single-flight across instances.
func (a *App) newReplayCoordinator(deps *Dependencies) *replay.Coordinator {
	build := func(clock domain.Clock) *engine.Engine {
		return a.newEngine(clock, engine.NopSink{})
	}
	return replay.NewCoordinator(
		deps.TickStore, build, deps.Bus, deps.Locker,
		a.cfg.Replay.MaxSpeed, a.cfg.Replay.BatchSize,
		a.logger,
	)
}

// newEngine assembles the shared pipeline from the configured thresholds and
// wraps it in an engine. The clock decides live versus replay semantics; the
// pipeline code is the same either way.
func (a *App) newEngine(clock domain.Clock, sink engine.EventSink) *engine.Engine {
	ec := a.cfg.Engine

	pipe := &engine.Pipeline{
		Normalizer: engine.NewTickNormalizer(a.logger),
		Bars:       engine.NewBarAggregator(ec.BarIntervalSec, ec.PriceDecimals, a.logger),
		Detector: engine.NewOrderFlowDetector(
			ec.BigWallRatio, ec.AbsorptionMinQty,
			ec.MinWallDurabilitySec, ec.PriceDecimals,
			clock, a.logger,
		),
		Confirmer: engine.NewSignalConfirmer(engine.ConfirmerConfig{
			EMAPeriod:        ec.RegimeEMAPeriod,
			TrendBandSigma:   ec.TrendBandSigma,
			ReversionSigma:   ec.ReversionSigma,
			OBIBuyThreshold:  ec.OBIBuyThreshold,
			OBISellThreshold: ec.OBISellThreshold,
			OBIThrottleSec:   ec.OBIThrottleSec,
			MinHoldTimeSec:   ec.MinHoldTimeSec,
		}, clock, a.logger),
		Risk: engine.NewPositionRiskManager(engine.RiskConfig{
			OrderQty:          ec.OrderQty,
			StopLossPct:       ec.StopLossPct,
			RRRatio:           ec.RRRatio,
			TrailingArmR:      ec.TrailingArmR,
			TrailingDistance:  ec.TrailingDistance,
			TimeStopSec:       ec.TimeStopSec,
			TimeStopProgressR: ec.TimeStopProgressR,
		}, clock, a.logger),
		Clock:  clock,
		Sink:   sink,
		Logger: a.logger,
	}

	return engine.New(engine.Config{
		MaxParallelLanes:   ec.MaxParallelLanes,
		LaneBufferSize:     ec.LaneBufferSize,
		BarPublishPerSec:   ec.BarPublishPerSec,
		RecentSignalsLimit: ec.RecentSignalsLimit,
	}, pipe, a.logger)
}

// startHTTPServer wires the HTTP + WebSocket API. eng and coord may be nil;
// the corresponding endpoint groups are simply not registered.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine.Engine, coord *replay.Coordinator) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled by config")
		return
	}

	startedAt := time.Now().UTC()
	hub := ws.NewHub(deps.Bus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
	})
	g.Go(func() error { return hub.Run(ctx) })

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.cfg.Mode, startedAt, a.logger),
		Engine: handler.NewEngineHandler(eng, deps.BarCache, deps.BarStore, deps.SignalStore, a.logger),
	}
	if coord != nil {
		handlers.Replay = handler.NewReplayHandler(coord, a.logger)
	}
	if deps.BlobReader != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}

	srvCfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}
	if a.cfg.Server.RateLimit > 0 {
		srvCfg.RateLimiter = deps.RateLimiter
		srvCfg.RateLimit = a.cfg.Server.RateLimit
		srvCfg.RateWindow = a.cfg.Server.RateWindow.Duration
	}

	srv := server.NewServer(srvCfg, handlers, hub, a.logger)

	g.Go(func() error { return srv.Start() })
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}
