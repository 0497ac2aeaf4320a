package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/geo-origin/anchor"
	"github.com/signalsfoundry/geo-origin/cellindex"
	"github.com/signalsfoundry/geo-origin/internal/accuracy"
	"github.com/signalsfoundry/geo-origin/internal/alignment"
	"github.com/signalsfoundry/geo-origin/internal/config"
	"github.com/signalsfoundry/geo-origin/internal/logging"
	"github.com/signalsfoundry/geo-origin/internal/originrpc"
	"github.com/signalsfoundry/geo-origin/internal/scene"
	"github.com/signalsfoundry/geo-origin/internal/session"
	"github.com/signalsfoundry/geo-origin/model"
	"github.com/signalsfoundry/geo-origin/origin"
	"github.com/signalsfoundry/geo-origin/timectrl"
)

// Report is the JSON document printed at the end of a replay.
type Report struct {
	Origin       model.Origin     `json:"origin"`
	Level        int              `json:"level"`
	Measurements int              `json:"measurements"`
	Anchors      []anchor.State   `json:"anchors"`
	Accuracy     *AccuracyReport  `json:"accuracy,omitempty"`
	Transform    *TransformReport `json:"world_transform,omitempty"`
}

// AccuracyReport summarises the planar accuracy probe.
type AccuracyReport struct {
	Mean        float64 `json:"mean_relative_error"`
	Max         float64 `json:"max_relative_error"`
	ValidRadius float64 `json:"valid_radius"`
}

// TransformReport is the last camera world transform applied.
type TransformReport struct {
	Yaw float64 `json:"yaw"`
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Z   float64 `json:"z"`
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML file with anchors and measurements to replay")
	target := flag.String("target", "", "Replay against a running origin server at this address instead of in-process")
	tick := flag.Duration("tick", 100*time.Millisecond, "Replay tick interval (accelerated)")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "origin-sim: -config is required")
		os.Exit(2)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error(ctx, "failed to load config", logging.Err(err))
		os.Exit(1)
	}

	var report Report
	if *target != "" {
		conn, err := grpc.NewClient(*target,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
			grpc.WithUnaryInterceptor(originrpc.RequestIDUnaryClientInterceptor()),
		)
		if err != nil {
			log.Error(ctx, "failed to dial origin server", logging.String("target", *target), logging.Err(err))
			os.Exit(1)
		}
		defer conn.Close()
		report, err = replayRemote(ctx, cfg, originrpc.NewClient(conn), log)
		if err != nil {
			log.Error(ctx, "remote replay failed", logging.Err(err))
			os.Exit(1)
		}
	} else {
		report, err = replay(ctx, cfg, *tick, log)
		if err != nil {
			log.Error(ctx, "replay failed", logging.Err(err))
			os.Exit(1)
		}
	}

	if err := writeReport(os.Stdout, report); err != nil {
		log.Error(ctx, "failed to write report", logging.Err(err))
		os.Exit(1)
	}
}

func writeReport(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// fixedCamera is a camera that stays where tracking started.
type fixedCamera struct{}

func (fixedCamera) CameraPose() (model.LocalPosition, float64) {
	return model.LocalPosition{}, 0
}

type lastTransform struct {
	mu  sync.Mutex
	t   alignment.Transform
	set bool
}

func (l *lastTransform) SetWorldTransform(t alignment.Transform) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t = t
	l.set = true
}

func (l *lastTransform) report() *TransformReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set {
		return nil
	}
	return &TransformReport{Yaw: l.t.Yaw, X: l.t.Position.X, Y: l.t.Position.Y, Z: l.t.Position.Z}
}

// replay runs the configured measurements through an in-process session on
// an accelerated clock.
func replay(ctx context.Context, cfg config.Config, tick time.Duration, log logging.Logger) (Report, error) {
	if tick <= 0 {
		return Report{}, fmt.Errorf("tick must be positive, got %v", tick)
	}
	measurements, start, err := scheduled(cfg)
	if err != nil {
		return Report{}, err
	}

	idx := cellindex.New(nil)
	mgr, err := origin.NewManager(idx, origin.WithLevel(cfg.Level), origin.WithLogger(log))
	if err != nil {
		return Report{}, err
	}

	tc := timectrl.NewTimeController(start, tick, timectrl.Accelerated)
	sink := &lastTransform{}
	sessOpts := []session.Option{session.WithLogger(log), session.WithClock(tc)}
	if cfg.Alignment.Enabled {
		cam := alignment.New(mgr, idx, alignment.WithSmoothing(cfg.Alignment.Smoothing), alignment.WithLogger(log))
		sessOpts = append(sessOpts, session.WithCamera(cam, fixedCamera{}, sink))
	}
	sess := session.New(mgr, sessOpts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		<-sess.Done()
	}()
	go func() { _ = sess.Run(runCtx) }()

	sc := scene.New(sess, scene.WithLogger(log), scene.WithValidRadius(cfg.ValidRadius))
	reporter := &accuracy.Reporter{
		Origin:    mgr,
		Index:     idx,
		Radii:     cfg.Accuracy.Radii,
		Bearings:  cfg.Accuracy.Bearings,
		Tolerance: cfg.Accuracy.Tolerance,
		Log:       log,
	}
	if cfg.ValidRadius == 0 {
		reporter.OnRadius = sc.SetValidRadius
	}
	if err := sess.Do(ctx, func(m *origin.Manager) { m.Register(reporter) }); err != nil {
		return Report{}, err
	}
	for _, a := range cfg.Anchors {
		if _, err := sc.Place(ctx, a.AnchorConfig(cfg.ValidRadius), false); err != nil {
			return Report{}, err
		}
	}

	var submitErr error
	next := 0
	tc.AddListener(func(now time.Time) {
		for next < len(measurements) && !measurements[next].Timestamp.After(now) {
			if cfg.Alignment.Enabled {
				if err := sess.SubmitMeasurementRequested(ctx); err != nil && submitErr == nil {
					submitErr = err
				}
			}
			if err := sess.SubmitMeasurement(ctx, measurements[next]); err != nil && submitErr == nil {
				submitErr = err
			}
			next++
		}
		if err := sess.Tick(ctx, now); err != nil && submitErr == nil {
			submitErr = err
		}
		// Keep the session in step with the accelerated clock.
		if err := sess.Do(ctx, func(*origin.Manager) {}); err != nil && submitErr == nil {
			submitErr = err
		}
	})

	for next < len(measurements) {
		tc.Step()
	}
	// One extra step lets the last tick settle, plus enough to finish any
	// smoothing blend.
	steps := 1
	if cfg.Alignment.Smoothing > 0 {
		steps += int(cfg.Alignment.Smoothing/tick) + 1
	}
	for i := 0; i < steps; i++ {
		tc.Step()
	}
	if submitErr != nil {
		return Report{}, submitErr
	}

	report := Report{Measurements: len(measurements), Transform: sink.report()}
	var (
		sum    accuracy.Summary
		radius float64
		perr   error
	)
	if err := sess.Do(ctx, func(m *origin.Manager) {
		report.Origin = m.Origin()
		report.Level = m.Level()
		sum, radius, perr = reporter.Result()
	}); err != nil {
		return Report{}, err
	}
	if report.Origin.Established && perr == nil {
		report.Accuracy = &AccuracyReport{Mean: sum.Mean, Max: sum.Max, ValidRadius: radius}
	}
	report.Anchors = sc.List()
	return report, nil
}

// replayRemote places the configured anchors on a running server, submits
// the measurements in order and reads back the resulting state.
func replayRemote(ctx context.Context, cfg config.Config, client *originrpc.Client, log logging.Logger) (Report, error) {
	measurements, _, err := scheduled(cfg)
	if err != nil {
		return Report{}, err
	}
	for _, a := range cfg.Anchors {
		if _, err := client.PlaceAnchor(ctx, a.AnchorConfig(cfg.ValidRadius)); err != nil {
			return Report{}, fmt.Errorf("place anchor %q: %w", a.ID, err)
		}
	}
	expectOrigin := false
	for _, m := range measurements {
		if err := client.SubmitMeasurement(ctx, m); err != nil {
			return Report{}, err
		}
		expectOrigin = expectOrigin || m.Found()
	}

	report := Report{Measurements: len(measurements)}
	deadline := time.Now().Add(5 * time.Second)
	for {
		o, level, err := client.GetOrigin(ctx)
		if err != nil {
			return Report{}, err
		}
		report.Origin, report.Level = o, level
		if o.Established || !expectOrigin {
			break
		}
		if time.Now().After(deadline) {
			return Report{}, errors.New("origin not established by server")
		}
		time.Sleep(20 * time.Millisecond)
	}
	log.Debug(ctx, "remote replay finished", logging.Bool("established", report.Origin.Established))

	anchors, err := client.ListAnchors(ctx)
	if err != nil {
		return Report{}, err
	}
	report.Anchors = anchors
	return report, nil
}

// scheduled converts the configured measurements into fixes ordered by
// time. The replay starts at a fixed epoch so runs are reproducible.
func scheduled(cfg config.Config) ([]model.Measurement, time.Time, error) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Measurement, 0, len(cfg.Simulation))
	for i, m := range cfg.Simulation {
		meas, err := m.ToMeasurement(start)
		if err != nil {
			return nil, start, fmt.Errorf("measurements[%d]: %w", i, err)
		}
		out = append(out, meas)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, start, nil
}
