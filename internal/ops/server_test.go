package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trackgate/internal/carrier"
	"trackgate/internal/eventbus"
	"trackgate/internal/sched"
	logx "trackgate/pkg/logx"
)

func newTestServer(t *testing.T) (*httptest.Server, *sched.Scheduler, *carrier.Registry) {
	t.Helper()
	reg := carrier.NewRegistry(
		carrier.NewProfile(carrier.UPS, carrier.Config{}, nil),
		carrier.NewProfile(carrier.DHL, carrier.Config{}, nil),
	)
	sch := sched.New(sched.Config{}, reg, logx.Nop(), eventbus.New())
	sch.Start(context.Background())
	t.Cleanup(func() { sch.Stop(context.Background()) })

	srv := New(Config{Enabled: true, RatePerSec: 1000}, sch, reg, logx.Nop())
	ts := httptest.NewServer(srv.router())
	t.Cleanup(ts.Close)
	return ts, sch, reg
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["health"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ts, sch, _ := newTestServer(t)

	p, err := sch.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	}, sched.Options{Carrier: carrier.UPS})
	require.NoError(t, err)
	_, err = p.Wait(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sn sched.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sn))
	require.Equal(t, uint64(1), sn.Processed)
	require.Len(t, sn.Carriers, 2)
}

func TestCarriersEndpoint(t *testing.T) {
	t.Parallel()
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/carriers")
	require.NoError(t, err)
	defer resp.Body.Close()

	var statuses []carrier.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	require.Len(t, statuses, 2)
	require.Equal(t, "ups", statuses[0].Carrier)
}

func TestPauseResumeEndpoints(t *testing.T) {
	t.Parallel()
	ts, sch, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/admin/pause", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Give the posted command time to land, then verify via the snapshot.
	require.Eventually(t, func() bool {
		return sch.GetMetrics().Paused
	}, time.Second, 10*time.Millisecond)

	resp, err = http.Post(ts.URL+"/admin/resume", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Eventually(t, func() bool {
		return !sch.GetMetrics().Paused
	}, time.Second, 10*time.Millisecond)
}

func TestClearEndpoint(t *testing.T) {
	t.Parallel()
	ts, sch, _ := newTestServer(t)

	sch.Pause()
	p, err := sch.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	}, sched.Options{Carrier: carrier.UPS})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/admin/clear?carrier=ups", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, float64(1), body["dropped"])

	_, err = p.Wait(context.Background())
	require.ErrorIs(t, err, sched.ErrCleared)
}

func TestClearEndpointBadCarrier(t *testing.T) {
	t.Parallel()
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/admin/clear?carrier=pigeon", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResetAuthEndpoint(t *testing.T) {
	t.Parallel()
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/admin/reset-auth?carrier=dhl", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/admin/reset-auth", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestThrottleReturns429(t *testing.T) {
	t.Parallel()
	reg := carrier.NewRegistry(carrier.NewProfile(carrier.UPS, carrier.Config{}, nil))
	sch := sched.New(sched.Config{}, reg, logx.Nop(), eventbus.New())
	sch.Start(context.Background())
	t.Cleanup(func() { sch.Stop(context.Background()) })

	srv := New(Config{Enabled: true, RatePerSec: 1}, sch, reg, logx.Nop())
	ts := httptest.NewServer(srv.router())
	t.Cleanup(ts.Close)

	throttled := false
	for i := 0; i < 10; i++ {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			throttled = true
			break
		}
	}
	require.True(t, throttled, "burst of requests never hit the throttle")
}
