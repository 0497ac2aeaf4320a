// Package originrpc exposes the session origin over gRPC.
package originrpc

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/geo-origin/anchor"
	"github.com/signalsfoundry/geo-origin/internal/logging"
	"github.com/signalsfoundry/geo-origin/internal/scene"
	"github.com/signalsfoundry/geo-origin/internal/session"
	"github.com/signalsfoundry/geo-origin/model"
	"github.com/signalsfoundry/geo-origin/origin"
	"github.com/signalsfoundry/geo-origin/timectrl"
)

// Service implements OriginServiceServer over a session and its scene.
type Service struct {
	session *session.Session
	scene   *scene.Scene
	clock   timectrl.Clock
	log     logging.Logger
}

var _ OriginServiceServer = (*Service)(nil)

// NewService returns a Service. A nil clock uses the system clock.
func NewService(sess *session.Session, sc *scene.Scene, clock timectrl.Clock, log logging.Logger) *Service {
	if clock == nil {
		clock = timectrl.SystemClock{}
	}
	return &Service{
		session: sess,
		scene:   sc,
		clock:   clock,
		log:     logging.OrNoop(log),
	}
}

// SubmitMeasurement queues a fix. Fields: latitude, longitude, heading,
// height, confidence, status, timestamp (RFC 3339).
func (s *Service) SubmitMeasurement(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	m, err := measurementFromStruct(in, s.clock.Now())
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.session.SubmitMeasurement(ctx, m); err != nil {
		return nil, ToStatusError(err)
	}
	logging.FromContext(ctx, s.log).Debug(ctx, "measurement queued",
		logging.String("status", m.Status.String()),
		logging.String("coordinate", m.Coordinate.String()),
	)
	return &emptypb.Empty{}, nil
}

// GetOrigin returns established, level and, once established, cell_id and
// the cell center.
func (s *Service) GetOrigin(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	var (
		o     model.Origin
		level int
	)
	if err := s.session.Do(ctx, func(m *origin.Manager) {
		o = m.Origin()
		level = m.Level()
	}); err != nil {
		return nil, ToStatusError(err)
	}
	out, err := originToStruct(o, level)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// ToLocal converts latitude, longitude and altitude into x, y, z relative
// to the origin.
func (s *Service) ToLocal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req toLocalRequest
	if err := decode(in, &req); err != nil {
		return nil, ToStatusError(err)
	}
	c, err := req.coordinate()
	if err != nil {
		return nil, ToStatusError(err)
	}
	alt := req.Altitude

	ctx, span := startChildSpan(ctx, "origin.ToLocal",
		attribute.Float64("latitude", c.Latitude),
		attribute.Float64("longitude", c.Longitude),
	)
	defer span.End()

	var (
		pos     model.LocalPosition
		convErr error
	)
	if err := s.session.Do(ctx, func(m *origin.Manager) {
		cellID, err := m.CurrentCellID()
		if err != nil {
			convErr = err
			return
		}
		pos, convErr = m.Index().ToLocal(c, alt, cellID)
	}); err != nil {
		return nil, ToStatusError(err)
	}
	if convErr != nil {
		span.RecordError(convErr)
		return nil, ToStatusError(convErr)
	}
	out, err := encode(positionMsgOf(pos))
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// ToWorld converts x, y, z relative to the origin into latitude, longitude
// and altitude.
func (s *Service) ToWorld(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req positionMsg
	if err := decode(in, &req); err != nil {
		return nil, ToStatusError(err)
	}
	pos, err := req.position()
	if err != nil {
		return nil, ToStatusError(err)
	}

	ctx, span := startChildSpan(ctx, "origin.ToWorld")
	defer span.End()

	var (
		c       model.GeoCoordinate
		convErr error
	)
	if err := s.session.Do(ctx, func(m *origin.Manager) {
		cellID, err := m.CurrentCellID()
		if err != nil {
			convErr = err
			return
		}
		c, convErr = m.Index().ToWorld(pos, cellID)
	}); err != nil {
		return nil, ToStatusError(err)
	}
	if convErr != nil {
		span.RecordError(convErr)
		return nil, ToStatusError(convErr)
	}
	out, err := encode(worldMsg{coordinateMsg: coordinateMsgOf(c), Altitude: pos.Y})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// PlaceAnchor places and persists an anchor. Either x, y, z (scene frame,
// origin required) or latitude, longitude, altitude must be given. Optional
// fields: id, name, max_distance.
func (s *Service) PlaceAnchor(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req placeAnchorRequest
	if err := decode(in, &req); err != nil {
		return nil, ToStatusError(err)
	}
	if req.MaxDistance < 0 {
		return nil, ToStatusError(errorf("max_distance must be >= 0"))
	}

	ctx, span := startChildSpan(ctx, "scene.PlaceAnchor", attribute.String("anchor.name", req.Name))
	defer span.End()

	var st anchor.State
	if req.present() {
		pos, err := req.position()
		if err != nil {
			return nil, ToStatusError(err)
		}
		st, err = s.scene.PlaceLocal(ctx, req.Name, pos, req.MaxDistance, true)
		if err != nil {
			span.RecordError(err)
			return nil, ToStatusError(err)
		}
	} else {
		c, err := req.coordinate()
		if err != nil {
			return nil, ToStatusError(err)
		}
		st, err = s.scene.Place(ctx, anchor.Config{
			ID:          req.ID,
			Name:        req.Name,
			Coordinate:  c,
			Altitude:    req.Altitude,
			MaxDistance: req.MaxDistance,
		}, true)
		if err != nil {
			span.RecordError(err)
			return nil, ToStatusError(err)
		}
	}

	out, err := encode(anchorMsgOf(st))
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// ListAnchors returns {anchors: [...]} in placement order.
func (s *Service) ListAnchors(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	states := s.scene.List()
	msg := anchorListMsg{Anchors: make([]anchorMsg, 0, len(states))}
	for _, st := range states {
		msg.Anchors = append(msg.Anchors, anchorMsgOf(st))
	}
	out, err := encode(msg)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// RemoveAnchor removes the anchor named by id.
func (s *Service) RemoveAnchor(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var req removeAnchorRequest
	if err := decode(in, &req); err != nil {
		return nil, ToStatusError(err)
	}
	if req.ID == "" {
		return nil, ToStatusError(errorf("id is required"))
	}
	if err := s.scene.Remove(ctx, req.ID); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}
