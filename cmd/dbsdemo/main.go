// Command dbsdemo runs two repository handles inside one transaction and
// shows that they share a session. It stores documents in Postgres when
// DATABASE_URL is set and in memory otherwise; with PUBSUB_PROJECT_ID and
// PUBSUB_TOPIC_ID set it also relays committed changes to Pub/Sub.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bionicotaku/lingo-dbs/changefeed"
	"github.com/bionicotaku/lingo-dbs/dbs"
	"github.com/bionicotaku/lingo-dbs/gclog"
	"github.com/bionicotaku/lingo-dbs/gcpubsub"
	"github.com/bionicotaku/lingo-dbs/memstore"
	"github.com/bionicotaku/lingo-dbs/pgstore"
	"github.com/bionicotaku/lingo-dbs/telemetry"
	"github.com/bionicotaku/lingo-dbs/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const serviceName = "dbsdemo"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logComp, flush, err := gclog.NewComponent(gclog.Config{
		Service:     serviceName,
		Version:     envOr("SERVICE_VERSION", "dev"),
		Environment: envOr("APP_ENV", "local"),
		ProjectID:   envOr("GOOGLE_CLOUD_PROJECT", os.Getenv("PUBSUB_PROJECT_ID")),
	})
	if err != nil {
		return err
	}
	defer flush()
	logger := logComp.Logger
	helper := log.NewHelper(logger)

	tel, shutdown, err := telemetry.NewComponent(ctx, telemetry.Config{
		ServiceName: serviceName,
		Tracing:     telemetry.TracingConfig{Enabled: os.Getenv("OTEL_TRACES") != "", Exporter: envOr("OTEL_TRACES", telemetry.ExporterStdout)},
		Metrics:     telemetry.MetricsConfig{Enabled: os.Getenv("OTEL_METRICS") != "", Exporter: envOr("OTEL_METRICS", telemetry.ExporterStdout)},
	}, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	txComp, _, err := txmanager.NewComponent(txmanager.Config{}, logger,
		txmanager.WithMeter(tel.Meter("lingo-dbs.txmanager")),
		txmanager.WithTracer(tel.TracerProvider.Tracer("lingo-dbs.txmanager")),
	)
	if err != nil {
		return err
	}

	backend, relay, closeBackend, err := openBackend(ctx, tel, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	repoComp, closeRepo, err := dbs.NewComponent(ctx, dbs.Config{Name: "demo"}, backend, txComp.Manager, dbs.NewRegistry(), logger,
		dbs.WithMeter(tel.Meter("lingo-dbs.dbs")))
	if err != nil {
		return err
	}
	defer closeRepo()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		if err := scenario(gctx, repoComp.Repository, txComp.Manager, helper); err != nil {
			return err
		}
		if relay != nil {
			// One more tick so the relay publishes the committed change.
			_, err := relay.Drain(gctx)
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openBackend picks the storage and, when Pub/Sub is configured, builds the
// relay for committed changes.
func openBackend(ctx context.Context, tel *telemetry.Component, logger log.Logger) (dbs.Backend, *changefeed.Relay, func(), error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return memstore.New(memstore.Config{Name: "mem"}, logger), nil, func() {}, nil
	}

	feedCfg := changefeed.Config{Source: serviceName}
	pg, closePG, err := pgstore.NewComponent(ctx, pgstore.Config{DSN: dsn}, pgstore.Dependencies{
		Logger:     logger,
		Meter:      tel.Meter("lingo-dbs.pgstore"),
		Tracer:     telemetry.ProvideQueryTracer(tel),
		ApplyHooks: []pgstore.ApplyHook{changefeed.ProvideApplyHook(feedCfg)},
	})
	if err != nil {
		return nil, nil, nil, err
	}
	// The recorder writes into the outbox even when no relay drains it yet.
	if err := changefeed.EnsureSchema(ctx, pg.Pool, feedCfg); err != nil {
		closePG()
		return nil, nil, nil, err
	}

	project, topic := os.Getenv("PUBSUB_PROJECT_ID"), os.Getenv("PUBSUB_TOPIC_ID")
	if project == "" || topic == "" {
		return pg.Store, nil, closePG, nil
	}
	ps, closePS, err := gcpubsub.NewComponent(ctx, gcpubsub.Config{
		ProjectID:        project,
		TopicID:          topic,
		EmulatorEndpoint: os.Getenv("PUBSUB_EMULATOR_HOST"),
	}, gcpubsub.Dependencies{
		Logger: logger,
		Meter:  tel.Meter("lingo-dbs.gcpubsub"),
		Tracer: tel.TracerProvider.Tracer("lingo-dbs.gcpubsub"),
	})
	if err != nil {
		closePG()
		return nil, nil, nil, err
	}
	feed, err := changefeed.NewComponent(ctx, feedCfg, pg.Pool, gcpubsub.ProvidePublisher(ps), logger, tel.Meter("lingo-dbs.changefeed"))
	if err != nil {
		closePS()
		closePG()
		return nil, nil, nil, err
	}
	return pg.Store, feed.Relay, func() {
		closePS()
		closePG()
	}, nil
}

// scenario opens two handles in one transaction: the second sees the first's
// uncommitted document because both share the transaction's session.
func scenario(ctx context.Context, repo *dbs.Repository, mgr txmanager.Manager, helper *log.Helper) error {
	name := fmt.Sprintf("note-%d", time.Now().UnixNano())
	err := mgr.WithinTx(ctx, txmanager.TxOptions{}, func(ctx context.Context) error {
		first, err := repo.Session(ctx)
		if err != nil {
			return err
		}
		defer first.Close()
		id, err := first.CreateDocument(ctx, dbs.State{dbs.KeyParentID: repo.RootID(), dbs.KeyName: name, "kind": "note"})
		if err != nil {
			return err
		}

		second, err := repo.Session(ctx)
		if err != nil {
			return err
		}
		defer second.Close()
		child, err := second.GetChild(ctx, repo.RootID(), name)
		if err != nil {
			return err
		}
		helper.WithContext(ctx).Infof("shared session=%t active=%d created=%s seen=%s",
			first.Equal(second), repo.ActiveSessionsCount(), id, child.ID())
		return nil
	})
	if err != nil {
		return err
	}

	after, err := repo.Session(ctx)
	if err != nil {
		return err
	}
	defer after.Close()
	child, err := after.GetChild(ctx, repo.RootID(), name)
	if err != nil {
		return err
	}
	helper.WithContext(ctx).Infof("committed document %s under root %s", child.ID(), repo.RootID())
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
