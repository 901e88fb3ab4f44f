package router

import (
	"net/http/httptest"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type stubStats struct{}

func (stubStats) LoadByThread() []int64   { return []int64{3, 1} }
func (stubStats) NRebalances() int64      { return 2 }
func (stubStats) NLoadCheckCycles() int64 { return 5 }
func (stubStats) TableCounts() (int, int) { return 4, 1 }

func TestStatusEndpoint(t *testing.T) {
	handlerRegistry = nil
	Register(stubStats{}, prometheus.NewRegistry())
	srv := httptest.NewServer(New())
	defer srv.Close()

	res, err := srv.Client().Get(srv.URL + "/status")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, 200, res.StatusCode)

	var body statusResponse
	require.NoError(t, jsoniter.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, []int64{3, 1}, body.LoadByThread)
	require.Equal(t, int64(2), body.Rebalances)
	require.Equal(t, 4, body.ActiveTables)
	require.Equal(t, 1, body.IdleTables)
}

func TestMetricsEndpoint(t *testing.T) {
	handlerRegistry = nil
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "linepipe_test_total"})
	reg.MustRegister(c)
	c.Inc()
	Register(stubStats{}, reg)
	srv := httptest.NewServer(New())
	defer srv.Close()

	res, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, 200, res.StatusCode)
}
