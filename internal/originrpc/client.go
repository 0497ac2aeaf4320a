package originrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/geo-origin/anchor"
	"github.com/signalsfoundry/geo-origin/model"
)

// Client is a typed wrapper over the origin service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a client using cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// SubmitMeasurement sends a fix to the server's session.
func (c *Client) SubmitMeasurement(ctx context.Context, m model.Measurement) error {
	in, err := measurementToStruct(m)
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, SubmitMeasurementMethod, in, new(emptypb.Empty))
}

// GetOrigin returns the server's origin snapshot and cell level.
func (c *Client) GetOrigin(ctx context.Context) (model.Origin, int, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetOriginMethod, &emptypb.Empty{}, out); err != nil {
		return model.Origin{}, 0, err
	}
	return originFromStruct(out)
}

// ToLocal converts a world coordinate into the server's local frame.
func (c *Client) ToLocal(ctx context.Context, coord model.GeoCoordinate, altitude float64) (model.LocalPosition, error) {
	in, err := encode(toLocalRequest{coordinateMsg: coordinateMsgOf(coord), Altitude: altitude})
	if err != nil {
		return model.LocalPosition{}, err
	}
	var out positionMsg
	if err := c.invoke(ctx, ToLocalMethod, in, &out); err != nil {
		return model.LocalPosition{}, err
	}
	return out.position()
}

// ToWorld converts a local position into a world coordinate and altitude.
func (c *Client) ToWorld(ctx context.Context, pos model.LocalPosition) (model.GeoCoordinate, float64, error) {
	in, err := encode(positionMsgOf(pos))
	if err != nil {
		return model.GeoCoordinate{}, 0, err
	}
	var out worldMsg
	if err := c.invoke(ctx, ToWorldMethod, in, &out); err != nil {
		return model.GeoCoordinate{}, 0, err
	}
	coord, err := out.coordinate()
	return coord, out.Altitude, err
}

// PlaceAnchor places an anchor at a world coordinate.
func (c *Client) PlaceAnchor(ctx context.Context, cfg anchor.Config) (anchor.State, error) {
	return c.placeAnchor(ctx, placeAnchorRequest{
		ID:            cfg.ID,
		Name:          cfg.Name,
		coordinateMsg: coordinateMsgOf(cfg.Coordinate),
		Altitude:      cfg.Altitude,
		MaxDistance:   cfg.MaxDistance,
	})
}

// PlaceAnchorLocal places an anchor at a position in the server's scene
// frame.
func (c *Client) PlaceAnchorLocal(ctx context.Context, name string, pos model.LocalPosition, maxDistance float64) (anchor.State, error) {
	return c.placeAnchor(ctx, placeAnchorRequest{
		Name:        name,
		positionMsg: positionMsgOf(pos),
		MaxDistance: maxDistance,
	})
}

func (c *Client) placeAnchor(ctx context.Context, req placeAnchorRequest) (anchor.State, error) {
	in, err := encode(req)
	if err != nil {
		return anchor.State{}, err
	}
	var out anchorMsg
	if err := c.invoke(ctx, PlaceAnchorMethod, in, &out); err != nil {
		return anchor.State{}, err
	}
	return out.state()
}

// ListAnchors returns every anchor in the server's scene.
func (c *Client) ListAnchors(ctx context.Context) ([]anchor.State, error) {
	var out anchorListMsg
	if err := c.invoke(ctx, ListAnchorsMethod, &emptypb.Empty{}, &out); err != nil {
		return nil, err
	}
	states := make([]anchor.State, 0, len(out.Anchors))
	for i, msg := range out.Anchors {
		st, err := msg.state()
		if err != nil {
			return nil, fmt.Errorf("anchors[%d]: %w", i, err)
		}
		states = append(states, st)
	}
	return states, nil
}

// RemoveAnchor removes the anchor with id.
func (c *Client) RemoveAnchor(ctx context.Context, id string) error {
	in, err := encode(removeAnchorRequest{ID: id})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, RemoveAnchorMethod, in, new(emptypb.Empty))
}

// invoke calls method and decodes the Struct response into out.
func (c *Client) invoke(ctx context.Context, method string, in proto.Message, out any) error {
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, resp); err != nil {
		return err
	}
	return decode(resp, out)
}
