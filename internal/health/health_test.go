package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"duet/server/internal/logging"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func ok() Pinger { return pingFunc(func(context.Context) error { return nil }) }

func failing(msg string) Pinger {
	return pingFunc(func(context.Context) error { return errors.New(msg) })
}

func TestCheckAll(t *testing.T) {
	st := CheckAll(context.Background(), Check{"store", ok()}, Check{"bus", ok()})
	assert.True(t, st.OK)
	assert.Len(t, st.Checks, 2)

	st = CheckAll(context.Background(), Check{"store", ok()}, Check{"bus", failing("connection refused")})
	assert.False(t, st.OK)
	assert.Equal(t, "connection refused", st.Checks[1].Error)
	assert.Regexp(t, `^FAIL store=ok\(\d+ms\) bus=down\(\d+ms: connection refused\)$`, st.String())
}

func TestWatchDrivesGRPCStatus(t *testing.T) {
	srv := grpchealth.NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Watch(ctx, srv, 10*time.Millisecond, logging.NewNop(), Check{"store", failing("down")})
		close(done)
	}()

	require.Eventually(t, func() bool {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
