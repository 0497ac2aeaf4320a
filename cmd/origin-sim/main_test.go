package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/geo-origin/cellindex"
	"github.com/signalsfoundry/geo-origin/internal/config"
	"github.com/signalsfoundry/geo-origin/internal/logging"
	"github.com/signalsfoundry/geo-origin/internal/originrpc"
	"github.com/signalsfoundry/geo-origin/internal/scene"
	"github.com/signalsfoundry/geo-origin/internal/session"
	"github.com/signalsfoundry/geo-origin/model"
	"github.com/signalsfoundry/geo-origin/origin"
)

const scenario = `
alignment:
  enabled: true
  smoothing: 300ms
anchors:
  - id: near
    latitude: 51.5076
    longitude: -0.1279
  - id: paris
    latitude: 48.8566
    longitude: 2.3522
measurements:
  - at: 0s
    status: unavailable_area
  - at: 1s
    latitude: 51.5074
    longitude: -0.1278
    heading: 90
    height: 1.5
  - at: 2s
    latitude: 52.0
    longitude: 0.5
`

func loadScenario(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Parse(strings.NewReader(scenario))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func TestReplayEstablishesFromFirstFix(t *testing.T) {
	cfg := loadScenario(t)
	report, err := replay(context.Background(), cfg, 100*time.Millisecond, logging.Noop())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	want, _ := cellindex.New(nil).CellIDForCoordinate(model.GeoCoordinate{Latitude: 51.5074, Longitude: -0.1278}, cellindex.DefaultLevel)
	if !report.Origin.Established || report.Origin.CellID != want {
		t.Fatalf("origin = %+v, want cell %s", report.Origin, want)
	}
	if report.Measurements != 3 || len(report.Anchors) != 2 {
		t.Fatalf("report = %+v", report)
	}
	if !report.Anchors[0].Active || report.Anchors[1].Active {
		t.Fatalf("anchor activation = %v/%v, want near active and paris inactive", report.Anchors[0].Active, report.Anchors[1].Active)
	}
	if report.Accuracy == nil || report.Accuracy.ValidRadius <= 0 {
		t.Fatalf("accuracy = %+v", report.Accuracy)
	}
	if report.Transform == nil {
		t.Fatalf("expected a world transform")
	}
	// The last fix is far from the origin; its heading of 0 turns the
	// camera back to north.
	if math.Abs(report.Transform.Yaw) > 1e-6 && math.Abs(report.Transform.Yaw-360) > 1e-6 {
		t.Fatalf("yaw = %v, want 0", report.Transform.Yaw)
	}

	var buf bytes.Buffer
	if err := writeReport(&buf, report); err != nil {
		t.Fatalf("writeReport: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	if _, ok := decoded["world_transform"]; !ok {
		t.Fatalf("report missing world_transform: %s", buf.String())
	}
}

func TestReplayWithoutFixLeavesOriginUnset(t *testing.T) {
	cfg, err := config.Parse(strings.NewReader("measurements:\n  - status: no_results\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	report, err := replay(context.Background(), cfg, 50*time.Millisecond, logging.Noop())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if report.Origin.Established || report.Accuracy != nil || report.Transform != nil {
		t.Fatalf("report = %+v", report)
	}
}

func TestReplayRemote(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, err := origin.NewManager(cellindex.New(nil))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	sess := session.New(mgr)
	go func() { _ = sess.Run(ctx) }()
	sc := scene.New(sess)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	originrpc.RegisterOriginServiceServer(srv, originrpc.NewService(sess, sc, nil, nil))
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()

	report, err := replayRemote(ctx, loadScenario(t), originrpc.NewClient(conn), logging.Noop())
	if err != nil {
		t.Fatalf("replayRemote: %v", err)
	}
	if !report.Origin.Established || len(report.Anchors) != 2 {
		t.Fatalf("report = %+v", report)
	}
}
