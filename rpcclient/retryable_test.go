package rpcclient

import (
	"errors"
	"testing"

	c "github.com/smartystreets/goconvey/convey"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unavailable", status.Error(codes.Unavailable, "down"), true},
		{"deadline exceeded", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"resource exhausted", status.Error(codes.ResourceExhausted, "busy"), true},
		{"aborted", status.Error(codes.Aborted, "conflict"), true},
		{"internal", status.Error(codes.Internal, "oops"), true},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
		{"permission denied", status.Error(codes.PermissionDenied, "no"), false},
		{"not found", status.Error(codes.NotFound, "missing"), false},
	}

	for _, tt := range tests {
		c.Convey(tt.name, t, func() {
			c.So(isRetryable(tt.err), c.ShouldEqual, tt.want)
		})
	}

	c.Convey("nil error is not retryable", t, func() {
		c.So(isRetryable(nil), c.ShouldBeFalse)
	})

	c.Convey("a non-status error is treated as retryable", t, func() {
		c.So(isRetryable(errors.New("boom")), c.ShouldBeTrue)
	})
}
