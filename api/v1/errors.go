package v1

import (
	"errors"

	"github.com/pixperk/clusterlock/pkg/types"
)

// ErrorDomain tags the errdetails.ErrorInfo attached to failed calls.
const ErrorDomain = "clusterlock.v1"

// metadata key of the leader address on NOT_LEADER errors
const LeaderMetadataKey = "leader"

var reasons = []struct {
	reason string
	err    error
}{
	{"UPGRADE_NOT_SUPPORTED", types.ErrUpgradeNotSupported},
	{"STALE_RELEASE", types.ErrStaleRelease},
	{"NOT_HOLDER", types.ErrNotHolder},
	{"INVALID_MODE", types.ErrInvalidMode},
	{"INVALID_LEASE", types.ErrInvalidLeaseTTL},
	{"INVALID_ARGUMENT", types.ErrInvalidArgument},
	{"NOT_LEADER", types.ErrNotLeader},
	{"GROUP_MISMATCH", types.ErrGroupMismatch},
	{"COORDINATION_UNAVAILABLE", types.ErrCoordinationUnavailable},
}

// reason string for a domain error, empty if it has none
func ErrorReason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ""
}

// sentinel error for a reason string, nil if unknown
func ReasonError(reason string) error {
	for _, r := range reasons {
		if r.reason == reason {
			return r.err
		}
	}
	return nil
}
