package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/geo-origin/cellindex"
	"github.com/signalsfoundry/geo-origin/internal/accuracy"
	"github.com/signalsfoundry/geo-origin/internal/anchorstore"
	"github.com/signalsfoundry/geo-origin/internal/config"
	"github.com/signalsfoundry/geo-origin/internal/logging"
	"github.com/signalsfoundry/geo-origin/internal/observability"
	"github.com/signalsfoundry/geo-origin/internal/originrpc"
	"github.com/signalsfoundry/geo-origin/internal/scene"
	"github.com/signalsfoundry/geo-origin/internal/session"
	"github.com/signalsfoundry/geo-origin/origin"
	"github.com/signalsfoundry/geo-origin/timectrl"
)

type serverOptions struct {
	grpcAddr    string
	metricsAddr string
	configPath  string
	dbPath      string
	tick        time.Duration
}

func main() {
	var opts serverOptions
	flag.StringVar(&opts.grpcAddr, "grpc-addr", ":50061", "TCP address the origin gRPC server listens on")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics (empty disables)")
	flag.StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file")
	flag.StringVar(&opts.dbPath, "db", "anchors.db", "Path to the SQLite anchor database")
	flag.DurationVar(&opts.tick, "tick", 100*time.Millisecond, "Session update tick interval")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, log, nil); err != nil {
		log.Error(ctx, "origin server failed", logging.Err(err))
		os.Exit(1)
	}
}

// run serves until ctx is cancelled. If ready is non-nil it receives the
// gRPC listen address once the server accepts connections.
func run(ctx context.Context, opts serverOptions, log logging.Logger, ready chan<- string) error {
	if opts.tick <= 0 {
		return fmt.Errorf("tick must be positive, got %v", opts.tick)
	}
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	originMetrics, err := observability.NewOriginCollector(reg)
	if err != nil {
		return fmt.Errorf("origin metrics: %w", err)
	}
	sessionMetrics, err := observability.NewSessionCollector(reg)
	if err != nil {
		return fmt.Errorf("session metrics: %w", err)
	}

	idx := cellindex.New(nil)
	mgr, err := origin.NewManager(idx,
		origin.WithLevel(cfg.Level),
		origin.WithLogger(log),
		origin.WithMetricsRecorder(originMetrics),
	)
	if err != nil {
		return err
	}

	tc := timectrl.NewTimeController(time.Now(), opts.tick, timectrl.RealTime)
	sessOpts := []session.Option{
		session.WithLogger(log),
		session.WithMetrics(sessionMetrics),
		session.WithClock(tc),
	}
	if cfg.Refresh.Timeout > 0 || cfg.Refresh.Distance > 0 {
		sessOpts = append(sessOpts, session.WithRefresh(session.RefreshPolicy{
			Timeout:  cfg.Refresh.Timeout,
			Distance: cfg.Refresh.Distance,
		}, logRequester{log: log}))
	}
	sess := session.New(mgr, sessOpts...)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() { _ = sess.Run(runCtx) }()

	store, err := anchorstore.Open(opts.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sc := scene.New(sess,
		scene.WithStore(store),
		scene.WithLogger(log),
		scene.WithActivationRecorder(originMetrics),
		scene.WithValidRadius(cfg.ValidRadius),
	)
	if cfg.ValidRadius == 0 {
		reporter := &accuracy.Reporter{
			Origin:    mgr,
			Index:     idx,
			Radii:     cfg.Accuracy.Radii,
			Bearings:  cfg.Accuracy.Bearings,
			Tolerance: cfg.Accuracy.Tolerance,
			Log:       log,
			OnRadius:  sc.SetValidRadius,
		}
		if err := sess.Do(ctx, func(m *origin.Manager) { m.Register(reporter) }); err != nil {
			return err
		}
	}
	if err := placeAnchors(ctx, sc, cfg, log); err != nil {
		return err
	}

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			originrpc.RequestIDUnaryServerInterceptor(log),
			originrpc.TracingUnaryServerInterceptor(),
			originMetrics.UnaryServerInterceptor(),
		),
	)
	originrpc.RegisterOriginServiceServer(server, originrpc.NewService(sess, sc, tc, log))

	lis, err := net.Listen("tcp", opts.grpcAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", opts.grpcAddr, err)
	}
	log.Info(ctx, "starting origin gRPC server", logging.String("addr", lis.Addr().String()))
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(lis) }()

	metricsSrv := serveMetrics(opts.metricsAddr, originMetrics, log)

	tc.AddListener(sess.TickListener(runCtx))
	go func() {
		if err := tc.Run(runCtx, 0); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn(ctx, "time controller stopped", logging.Err(err))
		}
	}()

	if ready != nil {
		ready <- lis.Addr().String()
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
	}

	log.Info(context.Background(), "shutting down origin server")
	server.GracefulStop()
	cancelRun()
	<-sess.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// placeAnchors restores persisted anchors and places configured ones that
// are not already present.
func placeAnchors(ctx context.Context, sc *scene.Scene, cfg config.Config, log logging.Logger) error {
	restored, err := sc.Restore(ctx)
	if err != nil {
		return err
	}
	placed := 0
	for _, a := range cfg.Anchors {
		if _, err := sc.Place(ctx, a.AnchorConfig(cfg.ValidRadius), false); err != nil {
			if errors.Is(err, scene.ErrAnchorExists) {
				continue
			}
			return err
		}
		placed++
	}
	log.Info(ctx, "anchors loaded",
		logging.Int("restored", restored),
		logging.Int("configured", placed),
	)
	return nil
}

func serveMetrics(addr string, collector *observability.OriginCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

// logRequester stands in for the positioning collaborator: the server has
// no camera, so a refresh is surfaced in the logs for clients to act on.
type logRequester struct {
	log logging.Logger
}

func (r logRequester) RequestMeasurement(ctx context.Context) error {
	r.log.Info(ctx, "new measurement requested")
	return nil
}
