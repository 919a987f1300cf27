package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"duet/server/internal/logging"
)

const checkTimeout = 2 * time.Second

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// String is a one-line summary for logs, e.g. "FAIL store=ok(2ms) bus=down(2000ms: i/o timeout)".
func (h HealthStatus) String() string {
	var b strings.Builder
	if h.OK {
		b.WriteString("OK")
	} else {
		b.WriteString("FAIL")
	}
	for _, c := range h.Checks {
		state := "ok"
		if !c.OK {
			state = "down"
		}
		fmt.Fprintf(&b, " %s=%s(%dms", c.Name, state, c.Latency.Milliseconds())
		if c.Error != "" {
			fmt.Fprintf(&b, ": %s", c.Error)
		}
		b.WriteString(")")
	}
	return b.String()
}

// Pinger is anything with a cheap liveness round trip: the room store, the bus.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Check struct {
	Name   string
	Target Pinger
}

// CheckAll runs all checks and returns combined status.
func CheckAll(ctx context.Context, checks ...Check) HealthStatus {
	results := make([]CheckResult, 0, len(checks))
	allOK := true
	for _, c := range checks {
		r := run(ctx, c)
		if !r.OK {
			allOK = false
		}
		results = append(results, r)
	}
	return HealthStatus{OK: allOK, Checks: results, CheckedAt: time.Now().UTC()}
}

func run(ctx context.Context, c Check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	start := time.Now()
	result := CheckResult{Name: c.Name}
	if err := c.Target.Ping(ctx); err != nil {
		result.Error = err.Error()
	} else {
		result.OK = true
	}
	result.Latency = time.Since(start)
	return result
}

// Watch mirrors CheckAll into the gRPC health service until ctx is done.
func Watch(ctx context.Context, srv *grpchealth.Server, interval time.Duration, logger logging.Logger, checks ...Check) {
	last := healthpb.HealthCheckResponse_UNKNOWN
	update := func() {
		st := CheckAll(ctx, checks...)
		next := healthpb.HealthCheckResponse_SERVING
		if !st.OK {
			next = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if next != last {
			logger.Infow("health changed", "serving", next.String(), "summary", st.String())
			last = next
		}
		srv.SetServingStatus("", next)
	}

	update()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-t.C:
			update()
		}
	}
}
