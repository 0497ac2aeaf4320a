package model

import "time"

// MeasurementStatus is the outcome reported with a positioning measurement.
type MeasurementStatus int

const (
	MeasurementNoResults MeasurementStatus = iota
	MeasurementUnavailableArea
	MeasurementResultsFound
	MeasurementInternalError
)

func (s MeasurementStatus) String() string {
	switch s {
	case MeasurementNoResults:
		return "no_results"
	case MeasurementUnavailableArea:
		return "unavailable_area"
	case MeasurementResultsFound:
		return "results_found"
	case MeasurementInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// ParseMeasurementStatus maps the names produced by String back to a status.
func ParseMeasurementStatus(s string) (MeasurementStatus, bool) {
	for _, st := range []MeasurementStatus{
		MeasurementNoResults,
		MeasurementUnavailableArea,
		MeasurementResultsFound,
		MeasurementInternalError,
	} {
		if st.String() == s {
			return st, true
		}
	}
	return MeasurementNoResults, false
}

// Measurement is a position fix produced by the external measurement
// collaborator. Only measurements with status MeasurementResultsFound carry a
// usable coordinate.
type Measurement struct {
	Timestamp         time.Time         `json:"timestamp" yaml:"timestamp"`
	Coordinate        GeoCoordinate     `json:"coordinate" yaml:"coordinate"`
	Heading           float64           `json:"heading" yaml:"heading"` // degrees clockwise from north
	RawHeightEstimate float64           `json:"raw_height_estimate" yaml:"raw_height_estimate"`
	Confidence        float64           `json:"confidence" yaml:"confidence"`
	Status            MeasurementStatus `json:"status" yaml:"-"`
}

// Found reports whether m is a usable fix.
func (m Measurement) Found() bool {
	return m.Status == MeasurementResultsFound
}

// SessionErrorState classifies failures reported by the measurement session.
type SessionErrorState int

const (
	SessionNoError SessionErrorState = iota
	SessionLocationSensorsError
	SessionMotionSensorsError
	SessionImageSensorsError
	SessionLockingPositionError
	SessionAuthenticationError
	SessionNetworkError
	SessionUnexpectedError
)

func (s SessionErrorState) String() string {
	switch s {
	case SessionNoError:
		return "none"
	case SessionLocationSensorsError:
		return "location_sensors"
	case SessionMotionSensorsError:
		return "motion_sensors"
	case SessionImageSensorsError:
		return "image_sensors"
	case SessionLockingPositionError:
		return "locking_position"
	case SessionAuthenticationError:
		return "authentication"
	case SessionNetworkError:
		return "network"
	default:
		return "unexpected"
	}
}

// SessionError is reported by the measurement session when a request fails.
type SessionError struct {
	State   SessionErrorState
	Message string
}

func (e SessionError) Error() string {
	if e.Message == "" {
		return "session error: " + e.State.String()
	}
	return "session error: " + e.State.String() + ": " + e.Message
}
