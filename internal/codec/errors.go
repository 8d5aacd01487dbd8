package codec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/danielpatrickdp/triadic-release/go-controller/internal/constraint"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/forgiveness"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/ledger"
	"github.com/danielpatrickdp/triadic-release/go-controller/internal/store"
)

// errInvalidRequest marks a malformed request body.
var errInvalidRequest = errors.New("invalid request")

// sentinels survive the wire by message; each maps to one status code.
var sentinels = []struct {
	err  error
	code codes.Code
}{
	{ledger.ErrUnknownConfession, codes.NotFound},
	{ledger.ErrAlreadyWitnessed, codes.AlreadyExists},
	{ledger.ErrClosed, codes.FailedPrecondition},
	{constraint.ErrUnknownConstraint, codes.NotFound},
	{forgiveness.ErrTerminalState, codes.FailedPrecondition},
	{forgiveness.ErrNotWitnessed, codes.FailedPrecondition},
	{forgiveness.ErrAwaitingResubmission, codes.FailedPrecondition},
	{forgiveness.ErrNotDenied, codes.FailedPrecondition},
	{forgiveness.ErrSelfWitness, codes.PermissionDenied},
	{forgiveness.ErrSelfAuthorize, codes.PermissionDenied},
	{forgiveness.ErrMissingIdentity, codes.InvalidArgument},
	{errInvalidRequest, codes.InvalidArgument},
	{store.ErrCorrupt, codes.DataLoss},
}

// mapErr converts an operator error into a status error.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return status.Error(s.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// mapRPC recovers the sentinel carried by a status error so callers can use errors.Is.
func mapRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return fmt.Errorf("%s: %w", st.Message(), context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", st.Message(), context.DeadlineExceeded)
	}
	for _, s := range sentinels {
		if st.Code() == s.code && strings.Contains(st.Message(), s.err.Error()) {
			return fmt.Errorf("%s: %w", st.Message(), s.err)
		}
	}
	return err
}
