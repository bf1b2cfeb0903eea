package rpcclient

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// retryableCodes is the whitelist spec.md §5.2 names as transient enough
// to retry against a freshly selected instance.
var retryableCodes = map[codes.Code]bool{
	codes.Unavailable:       true,
	codes.DeadlineExceeded:  true,
	codes.ResourceExhausted: true,
	codes.Aborted:           true,
	codes.Internal:          true,
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		// Not a status error (e.g. a dial error or a per-attempt timeout) -
		// treated as retryable. Cancellation of the caller's context never
		// reaches here: Execute checks ctx.Err() before classifying.
		return true
	}
	return retryableCodes[st.Code()]
}
