package server

import (
	"context"
	"errors"

	pb "github.com/pixperk/clusterlock/api/v1"
	"github.com/pixperk/clusterlock/pkg/types"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// converts domain errors to gRPC status errors
// the errdetails reason lets clients map them back to the same sentinel
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	var code codes.Code
	metadata := map[string]string{}

	var notLeader *types.NotLeaderError
	switch {
	case errors.As(err, &notLeader):
		code = codes.Unavailable
		metadata[pb.LeaderMetadataKey] = notLeader.Leader

	case errors.Is(err, types.ErrInvalidArgument), errors.Is(err, types.ErrInvalidMode), errors.Is(err, types.ErrInvalidLeaseTTL):
		code = codes.InvalidArgument

	case errors.Is(err, types.ErrUpgradeNotSupported), errors.Is(err, types.ErrStaleRelease), errors.Is(err, types.ErrNotHolder):
		code = codes.FailedPrecondition

	case errors.Is(err, types.ErrGroupMismatch):
		code = codes.PermissionDenied

	case errors.Is(err, types.ErrCoordinationUnavailable):
		code = codes.Unavailable

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}

	st := status.New(code, err.Error())
	withInfo, detailErr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   pb.ErrorReason(err),
		Domain:   pb.ErrorDomain,
		Metadata: metadata,
	})
	if detailErr != nil {
		return st.Err()
	}
	return withInfo.Err()
}
