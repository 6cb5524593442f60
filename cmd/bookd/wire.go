package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"bookd/internal/config"
	"bookd/internal/events"
	"bookd/internal/http/handlers"
	"bookd/internal/infra"
	"bookd/internal/modules/assignment"
	"bookd/internal/modules/booking"
	"bookd/internal/modules/dispatch"
	"bookd/internal/modules/location"
	"bookd/internal/modules/matching"
	"bookd/internal/modules/notify"
	"bookd/internal/modules/provider"
	"bookd/internal/storage/memory"
)

type indexer interface {
	RebuildIndex(ctx context.Context) (int, error)
}

type noIndex struct{}

func (noIndex) RebuildIndex(context.Context) (int, error) { return 0, nil }

// app is the wired process: stores, dispatch core and the outward adapters.
type app struct {
	cfg       config.Config
	log       *zap.Logger
	bookings  *booking.Service
	coord     *dispatch.Coordinator
	sweeper   *dispatch.Sweeper
	providers handlers.ProviderUpdater
	directory indexer
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg config.Config, inMemory bool, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var (
		bookingRepo    booking.Repository
		assignmentRepo interface {
			assignment.Repository
			matching.BusyChecker
		}
		providers  matching.ProviderSource
		tokens     notify.TokenSource
		locker     dispatch.Locker = dispatch.NewKeyedMutex()
		publishers              = events.Multi{events.NewLog(log)}
	)

	if inMemory {
		store := memory.NewStore()
		bookingRepo = store.Bookings()
		assignmentRepo = store.Assignments()
		providers = store.Providers()
		tokens = store.Providers()
		a.providers = store.Providers()
		a.directory = noIndex{}
		log.Info("running with in-memory stores")
	} else {
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)

		rdb := infra.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		a.closers = append(a.closers, func() { _ = rdb.Close() })

		dir := provider.NewDirectory(provider.NewStore(pool), provider.NewGeoIndex(rdb))
		bookingRepo = booking.NewStore(pool)
		assignmentRepo = assignment.NewStore(pool)
		providers = dir
		tokens = dir
		a.providers = dir
		a.directory = dir

		if cfg.Dispatch.LockBackend == config.LockBackendRedis {
			locker = dispatch.NewRedisLocker(rdb, cfg.Dispatch.LockTTL, log)
		}
	}

	if cfg.AMQP.URL != "" {
		conn, err := infra.DialAMQP(ctx, cfg.AMQP.URL, 5, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		pub, err := events.NewAMQPPublisher(conn, cfg.AMQP.Exchange)
		if err != nil {
			_ = conn.Close()
			a.Close()
			return nil, err
		}
		publishers = append(publishers, pub)
		a.closers = append(a.closers, func() {
			_ = pub.Close()
			_ = conn.Close()
		})
	}

	var sender notify.Notifier
	if cfg.Firebase.ProjectID != "" {
		client, err := infra.NewMessaging(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("firebase init: %w", err)
		}
		sender = notify.NewFCM(client, tokens, cfg.Notify.RatePerSec, log)
	} else {
		log.Warn("firebase not configured; offers are logged instead of pushed")
		sender = notify.NewMemory(log)
	}

	var geocoder booking.Geocoder
	if cfg.Maps.APIKey != "" {
		g, err := location.NewGeocoder(cfg.Maps.APIKey, cfg.Maps.Region)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("maps init: %w", err)
		}
		geocoder = g
	}

	a.bookings = booking.NewService(bookingRepo, geocoder, log)
	a.coord = dispatch.NewCoordinator(dispatch.Deps{
		Bookings:    bookingRepo,
		Assignments: assignmentRepo,
		Selector:    matching.NewSelector(providers, assignmentRepo, cfg.Dispatch.SearchRadiusKm, cfg.Dispatch.MaxCandidates),
		Notifier:    notify.NewRetrying(sender, cfg.Notify.Attempts, cfg.Notify.Backoff, log),
		Locker:      locker,
		Publisher:   publishers,
	}, cfg.Dispatch, log)
	a.sweeper = dispatch.NewSweeper(a.coord, assignmentRepo, bookingRepo, cfg.Sweeper, log)
	return a, nil
}
