package originrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/geo-origin/anchor"
	"github.com/signalsfoundry/geo-origin/model"
)

// ErrInvalidRequest marks malformed request documents.
var ErrInvalidRequest = errors.New("invalid request")

// Messages travel as google.protobuf.Struct documents whose keys are the
// JSON names of the types below. api/georigin/v1/origin.proto lists the
// same shapes.

type coordinateMsg struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

func coordinateMsgOf(c model.GeoCoordinate) coordinateMsg {
	return coordinateMsg{Latitude: &c.Latitude, Longitude: &c.Longitude}
}

func (m coordinateMsg) coordinate() (model.GeoCoordinate, error) {
	if m.Latitude == nil || m.Longitude == nil {
		return model.GeoCoordinate{}, errorf("latitude and longitude are required")
	}
	return model.GeoCoordinate{Latitude: *m.Latitude, Longitude: *m.Longitude}, nil
}

type positionMsg struct {
	X *float64 `json:"x,omitempty"`
	Y *float64 `json:"y,omitempty"`
	Z *float64 `json:"z,omitempty"`
}

func positionMsgOf(p model.LocalPosition) positionMsg {
	return positionMsg{X: &p.X, Y: &p.Y, Z: &p.Z}
}

func (m positionMsg) present() bool {
	return m.X != nil || m.Y != nil || m.Z != nil
}

func (m positionMsg) position() (model.LocalPosition, error) {
	if m.X == nil || m.Y == nil || m.Z == nil {
		return model.LocalPosition{}, errorf("x, y and z are required")
	}
	return model.LocalPosition{X: *m.X, Y: *m.Y, Z: *m.Z}, nil
}

type measurementMsg struct {
	coordinateMsg
	Heading    float64    `json:"heading"`
	Height     float64    `json:"height"`
	Confidence float64    `json:"confidence"`
	Status     string     `json:"status,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

type originMsg struct {
	Established bool           `json:"established"`
	Level       int            `json:"level"`
	CellID      string         `json:"cell_id,omitempty"`
	Center      *coordinateMsg `json:"center,omitempty"`
}

type toLocalRequest struct {
	coordinateMsg
	Altitude float64 `json:"altitude"`
}

type worldMsg struct {
	coordinateMsg
	Altitude float64 `json:"altitude"`
}

type placeAnchorRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	coordinateMsg
	positionMsg
	Altitude    float64 `json:"altitude"`
	MaxDistance float64 `json:"max_distance"`
}

type anchorMsg struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	coordinateMsg
	Altitude     float64      `json:"altitude"`
	MaxDistance  float64      `json:"max_distance"`
	Instantiated bool         `json:"instantiated"`
	Active       bool         `json:"active"`
	Local        *positionMsg `json:"local,omitempty"`
}

type anchorListMsg struct {
	Anchors []anchorMsg `json:"anchors"`
}

type removeAnchorRequest struct {
	ID string `json:"id"`
}

// encode converts a message into a Struct through its JSON form.
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// decode fills v from s. Keys v does not know are ignored; values of the
// wrong kind fail with ErrInvalidRequest.
func decode(s *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// measurementToStruct encodes m as a SubmitMeasurement request.
func measurementToStruct(m model.Measurement) (*structpb.Struct, error) {
	msg := measurementMsg{
		coordinateMsg: coordinateMsgOf(m.Coordinate),
		Heading:       m.Heading,
		Height:        m.RawHeightEstimate,
		Confidence:    m.Confidence,
		Status:        m.Status.String(),
	}
	if !m.Timestamp.IsZero() {
		ts := m.Timestamp.UTC()
		msg.Timestamp = &ts
	}
	return encode(msg)
}

// measurementFromStruct decodes a SubmitMeasurement request. Status
// defaults to results_found and timestamp to now.
func measurementFromStruct(s *structpb.Struct, now time.Time) (model.Measurement, error) {
	m := model.Measurement{Timestamp: now, Status: model.MeasurementResultsFound}
	var msg measurementMsg
	if err := decode(s, &msg); err != nil {
		return m, err
	}
	if msg.Status != "" {
		st, ok := model.ParseMeasurementStatus(msg.Status)
		if !ok {
			return m, errorf("unknown status %q", msg.Status)
		}
		m.Status = st
	}
	if m.Status == model.MeasurementResultsFound {
		c, err := msg.coordinate()
		if err != nil {
			return m, err
		}
		if err := c.Validate(); err != nil {
			return m, err
		}
		m.Coordinate = c
	}
	m.Heading = msg.Heading
	m.RawHeightEstimate = msg.Height
	m.Confidence = msg.Confidence
	if msg.Timestamp != nil {
		m.Timestamp = *msg.Timestamp
	}
	return m, nil
}

func originToStruct(o model.Origin, level int) (*structpb.Struct, error) {
	msg := originMsg{Established: o.Established, Level: level}
	if o.Established {
		center := coordinateMsgOf(o.CellCenter)
		msg.CellID = o.CellID.String()
		msg.Center = &center
	}
	return encode(msg)
}

func originFromStruct(s *structpb.Struct) (model.Origin, int, error) {
	var msg originMsg
	if err := decode(s, &msg); err != nil {
		return model.Origin{}, 0, err
	}
	o := model.Origin{Established: msg.Established}
	if !o.Established {
		return o, msg.Level, nil
	}
	var err error
	if o.CellID, err = model.ParseCellID(msg.CellID); err != nil {
		return model.Origin{}, 0, err
	}
	if msg.Center == nil {
		return model.Origin{}, 0, errorf("center is required once established")
	}
	if o.CellCenter, err = msg.Center.coordinate(); err != nil {
		return model.Origin{}, 0, err
	}
	return o, msg.Level, nil
}

func anchorMsgOf(st anchor.State) anchorMsg {
	local := positionMsgOf(st.Local)
	return anchorMsg{
		ID:            st.ID,
		Name:          st.Name,
		coordinateMsg: coordinateMsgOf(st.Coordinate),
		Altitude:      st.Altitude,
		MaxDistance:   st.MaxDistance,
		Instantiated:  st.Instantiated,
		Active:        st.Active,
		Local:         &local,
	}
}

func (m anchorMsg) state() (anchor.State, error) {
	st := anchor.State{
		ID:           m.ID,
		Name:         m.Name,
		Altitude:     m.Altitude,
		MaxDistance:  m.MaxDistance,
		Instantiated: m.Instantiated,
		Active:       m.Active,
	}
	var err error
	if st.Coordinate, err = m.coordinate(); err != nil {
		return st, err
	}
	if m.Local != nil {
		if st.Local, err = m.Local.position(); err != nil {
			return st, err
		}
	}
	return st, nil
}

func errorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, args...)...)
}
