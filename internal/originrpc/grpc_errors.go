package originrpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/geo-origin/cellindex"
	"github.com/signalsfoundry/geo-origin/internal/anchorstore"
	"github.com/signalsfoundry/geo-origin/internal/scene"
	"github.com/signalsfoundry/geo-origin/internal/session"
	"github.com/signalsfoundry/geo-origin/model"
	"github.com/signalsfoundry/geo-origin/origin"
)

// ToStatusError maps origin and scene errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()

	case errors.Is(err, scene.ErrAnchorNotFound),
		errors.Is(err, anchorstore.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, model.ErrCoordinateOutOfRange),
		errors.Is(err, cellindex.ErrInvalidCoordinate),
		errors.Is(err, cellindex.ErrInvalidLevel),
		errors.Is(err, cellindex.ErrInvalidCell):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, origin.ErrNotYetEstablished):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, scene.ErrAnchorExists):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, session.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
