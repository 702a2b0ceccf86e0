package tcptunnel

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	errorDomain = "tcptunnel.jhump.github.com"

	// ReasonBackendDialFailed is the ErrorInfo reason attached to errors
	// returned when a gateway cannot connect to the selected backend.
	ReasonBackendDialFailed = "BACKEND_DIAL_FAILED"
)

// backendDialError reports a failure to connect to a backend as an
// "Internal" status. The backend address is included in the message and
// in an ErrorInfo detail.
func backendDialError(addr string, err error) error {
	st := status.New(codes.Internal, fmt.Sprintf("dial backend %s: %v", addr, err))
	withInfo, detailErr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   ReasonBackendDialFailed,
		Domain:   errorDomain,
		Metadata: map[string]string{"backend": addr},
	})
	if detailErr == nil {
		st = withInfo
	}
	return st.Err()
}

// BackendFromError returns the address of the backend that could not be
// reached, if err is a status returned by a gateway for a failed backend
// dial.
func BackendFromError(err error) (string, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return "", false
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if ok && info.Reason == ReasonBackendDialFailed && info.Domain == errorDomain {
			addr, ok := info.Metadata["backend"]
			return addr, ok
		}
	}
	return "", false
}

// internalError maps a failure on one leg of a session to the generic
// status sent to the peer.
func internalError(what string, err error) error {
	return status.Errorf(codes.Internal, "%s: %v", what, err)
}

// isCanceled reports whether err only says that the call was cancelled,
// which is how the far side of a session reports that it went away.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled
}
