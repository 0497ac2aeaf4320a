package cellindex

import "errors"

var (
	// ErrInvalidCoordinate is returned when a latitude or longitude is outside
	// its valid range. Retrying with the same input will fail again.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	// ErrInvalidLevel is returned for cell levels outside [MinLevel, MaxLevel].
	ErrInvalidLevel = errors.New("invalid cell level")
	// ErrInvalidCell is returned for ids that do not name a grid cell.
	ErrInvalidCell = errors.New("invalid cell id")
)
