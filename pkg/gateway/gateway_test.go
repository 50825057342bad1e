package gateway

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pb "github.com/pixperk/clusterlock/api/v1"
	"github.com/pixperk/clusterlock/pkg/coord"
	"github.com/pixperk/clusterlock/pkg/server"
	"github.com/pixperk/clusterlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func newTestGateway(t *testing.T) (http.Handler, *coord.Memory) {
	t.Helper()

	mem := coord.NewMemory(nil)
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	pb.RegisterLockServiceServer(gs, server.NewServer(mem, "", nil))
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	gw := NewServer("127.0.0.1:0", "passthrough:///bufnet", nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	t.Cleanup(func() { gw.Stop(context.Background()) })

	h, err := gw.Handler()
	require.NoError(t, err)
	return h, mem
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	h, _ := newTestGateway(t)

	rec := get(t, h, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp pb.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, coord.BackendMemory, resp.Backend)
	assert.True(t, resp.IsLeader)
}

func TestLockEndpoint(t *testing.T) {
	h, mem := newTestGateway(t)

	rec := get(t, h, "/v1/locks/orders")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := mem.Acquire(context.Background(), types.AcquireRequest{
		Name: "orders", Owner: "worker-1", Mode: types.ModeShared, Lease: time.Minute,
	})
	require.NoError(t, err)

	rec = get(t, h, "/v1/locks/orders")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp pb.InspectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Lock)
	assert.Equal(t, types.ModeShared, resp.Lock.Mode)
	require.Len(t, resp.Lock.Holders, 1)
	assert.Equal(t, "worker-1", resp.Lock.Holders[0].Owner)
	assert.Contains(t, rec.Body.String(), `"mode":"shared"`)
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := newTestGateway(t)

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)

	//touch a collector so the exposition is not empty
	get(t, h, "/v1/status")
	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clusterlock_")
}

func TestUnknownRoute(t *testing.T) {
	h, _ := newTestGateway(t)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/unknown").Code)
}
