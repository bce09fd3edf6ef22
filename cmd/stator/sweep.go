package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/statorio/stator/pkg/archive"
	"github.com/statorio/stator/pkg/config"
	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/db"
	"github.com/statorio/stator/pkg/eventlog"
	"github.com/statorio/stator/pkg/eventlog/postgres"
	"github.com/statorio/stator/pkg/eventlog/sqlite"
	"github.com/statorio/stator/pkg/jobs"
	"github.com/statorio/stator/pkg/observability/prometheus"
)

// runSweep runs the archival sweeper, either as a daemon or as a
// single pass with -once.
func runSweep(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	dsn := fs.String("dsn", "", "database connection string")
	driver := fs.String("driver", "postgres", "database driver: postgres or sqlite3")
	cfgPath := fs.String("config", "", "runtime config file; defaults and STATOR_ env vars apply without one")
	metricsAddr := fs.String("metrics", "", "serve /metrics and /healthz on this address, e.g. :9090")
	natsURL := fs.String("nats", "", "dispatch archival jobs through NATS JetStream at this URL")
	interval := fs.Duration("interval", archive.DefaultInterval, "time between sweeps")
	trace := fs.Bool("trace", false, "print spans to stdout")
	once := fs.Bool("once", false, "run one sweep and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dsn == "" {
		return fmt.Errorf("sweep: -dsn is required")
	}

	cfg, err := config.LoadWithEnv(*cfgPath)
	if err != nil {
		return err
	}
	if !cfg.Archival.Enabled {
		return fmt.Errorf("sweep: archival is disabled in the configuration")
	}

	log := core.NewPrefixLogger("sweep")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *trace {
		shutdown, err := installTracing()
		if err != nil {
			return err
		}
		defer shutdown()
	}

	store, closeStore, pool, err := openStore(ctx, *driver, *dsn)
	if err != nil {
		return err
	}
	defer closeStore()

	archOpts := []archive.Option{archive.WithCompression(cfg.Compression)}
	sweepOpts := []archive.SweeperOption{archive.WithInterval(*interval)}
	if *metricsAddr != "" {
		srv, err := prometheus.Serve(*metricsAddr)
		if err != nil {
			return err
		}
		defer srv.Close()
		m := prometheus.GetMetrics()
		archOpts = append(archOpts, archive.WithMetrics(m))
		sweepOpts = append(sweepOpts, archive.WithSweeperMetrics(m))
		if pool != nil {
			m.WatchPool(ctx, pool, 5*time.Second)
		}
	}

	var runner jobs.Runner
	var cluster *jobs.NATS
	switch {
	case *natsURL != "":
		cluster, err = jobs.NewNATS(
			jobs.NATSConfig{URL: *natsURL, Queue: cfg.Archival.Queue},
			jobs.WithNATSLogger(core.NewPrefixLogger("jobs")),
		)
		if err != nil {
			return err
		}
		defer cluster.Close()
		runner = cluster
	case *once:
		// A single pass archives inline so the process exits only
		// after every dispatched root is done.
		runner = syncRunner{}
	default:
		p := jobs.NewPool(4, 64, jobs.WithPoolLogger(core.NewPrefixLogger("jobs")))
		defer p.Stop()
		runner = p
	}

	arch := archive.New(store, archOpts...)
	sweeper := archive.NewSweeper(store, arch, runner, cfg.Archival, sweepOpts...)

	if cluster != nil && !*once {
		for name, h := range sweeper.Handlers() {
			cluster.Register(name, h)
		}
		if err := cluster.Listen(cfg.Archival.Queue); err != nil {
			return err
		}
	}

	if *once {
		if err := sweeper.Sweep(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "sweep complete")
		return nil
	}

	log.Infof("sweeping %s every %s", *driver, *interval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- sweeper.Run(ctx) }()

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// openStore opens the event store for a driver and migrates the schema,
// which is a no-op on an up-to-date database. The sqlite branch also
// returns its pool so the metrics endpoint can watch it.
func openStore(ctx context.Context, driver, dsn string) (eventlog.FullStore, func(), *db.Pool, error) {
	switch driver {
	case "postgres":
		st, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, nil, nil, err
		}
		return st, st.Close, nil, nil
	case "sqlite3":
		st, err := sqlite.Open(dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, nil, nil, err
		}
		return st, func() { st.Close() }, st.Pool(), nil
	default:
		return nil, nil, nil, fmt.Errorf("sweep: unknown driver %q, want postgres or sqlite3", driver)
	}
}

// installTracing points the global tracer provider at a stdout
// exporter so archiver and store spans print to the terminal.
func installTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "stator-sweep"))),
	)
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "stator: flushing traces: %v\n", err)
		}
	}, nil
}

// syncRunner executes each job inline on the caller's goroutine.
type syncRunner struct{}

func (syncRunner) Submit(ctx context.Context, j jobs.Job) error {
	if j.Run == nil {
		return jobs.ErrNotRunnable
	}
	return j.Run(ctx)
}
