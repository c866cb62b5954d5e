package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/optrack/errors"
	optest "github.com/teranos/optrack/internal/testing"
	"github.com/teranos/optrack/pulse/ops"
)

type fakePool struct{ metrics ops.PoolMetrics }

func (f fakePool) Metrics() ops.PoolMetrics { return f.metrics }

func newTestServer(t *testing.T, pool MetricsSource) (*Server, *ops.Manager, *httptest.Server) {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	mgr := ops.NewManager(ops.NewSQLStore(optest.CreateTestDB(t), log), ops.DefaultManagerConfig(), ops.SystemClock{}, log)

	srv := New(mgr, pool, Config{Addr: "127.0.0.1:0", AllowedOrigins: []string{"http://localhost"}}, log)
	srv.startHub()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.cancel()
		srv.wg.Wait()
	})
	return srv, mgr, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSubmitAndGetOperation(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	body := map[string]any{
		"request_id":     "layer-parcels",
		"operation_type": "service_publishing",
		"parameters":     map[string]any{"layer_name": "parcels"},
		"priority":       7,
	}
	resp := postJSON(t, ts.URL+"/api/operations", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	first := decode[ops.SubmitResult](t, resp)
	assert.True(t, first.Created)
	assert.Equal(t, ops.StatusQueued, first.Status)

	t.Log("Submitting the same request again joins the live operation")
	resp = postJSON(t, ts.URL+"/api/operations", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	second := decode[ops.SubmitResult](t, resp)
	assert.False(t, second.Created)
	assert.Equal(t, first.OperationID, second.OperationID)

	resp = get(t, ts.URL+"/api/operations/"+first.OperationID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	op := decode[ops.Operation](t, resp)
	assert.Equal(t, "layer-parcels", op.RequestID)
	assert.Equal(t, 7, op.Priority)
	assert.Equal(t, "parcels", op.Parameters["layer_name"])
}

func TestSubmitDerivesRequestID(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/operations", map[string]any{
		"operation_type": "service_publishing",
		"parameters":     map[string]any{"layer_name": "roads"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	res := decode[ops.SubmitResult](t, resp)
	assert.NotEmpty(t, res.RequestID)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/operations", map[string]any{"parameters": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/operations", map[string]any{"operation_type": "x", "max_retries": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	raw, err := http.Post(ts.URL+"/api/operations", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func postRaw(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSubmitRejectsOutOfRangeDelay(t *testing.T) {
	_, mgr, ts := newTestServer(t, nil)

	for _, delay := range []string{"8e9", "1e12", "-1"} {
		resp := postRaw(t, ts.URL+"/api/operations",
			`{"request_id":"later","operation_type":"publish","delay_seconds":`+delay+`}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, delay)
		body := decode[map[string]string](t, resp)
		assert.Contains(t, body["error"], "delay_seconds", delay)
	}

	lease, err := mgr.Lease(context.Background(), "kirby")
	require.NoError(t, err)
	assert.Nil(t, lease, "no rejected submission may become leasable")

	resp := postRaw(t, ts.URL+"/api/operations",
		`{"request_id":"later","operation_type":"publish","delay_seconds":3600}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	lease, err = mgr.Lease(context.Background(), "kirby")
	require.NoError(t, err)
	assert.Nil(t, lease, "a deferred operation is not eligible yet")
}

func TestSubmitDedupsAcrossAPIAndDirectCallers(t *testing.T) {
	_, mgr, ts := newTestServer(t, nil)

	resp := postRaw(t, ts.URL+"/api/operations",
		`{"operation_type":"service_publishing","parameters":{"layer_name":"parcels","srid":4326.0}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	viaAPI := decode[ops.SubmitResult](t, resp)
	require.True(t, viaAPI.Created)

	t.Log("The CLI parses the same parameters without UseNumber")
	params, err := ops.ParseDocument([]byte(`{"layer_name":"parcels","srid":4326.0}`))
	require.NoError(t, err)
	direct, err := mgr.Submit(context.Background(), ops.SubmitRequest{
		OperationType: "service_publishing",
		Parameters:    params,
	})
	require.NoError(t, err)

	assert.Equal(t, viaAPI.RequestID, direct.RequestID)
	assert.False(t, direct.Created)
	assert.Equal(t, viaAPI.OperationID, direct.OperationID)
}

func TestGetUnknownOperation(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	resp := get(t, ts.URL+"/api/operations/does-not-exist")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelOperation(t *testing.T) {
	_, mgr, ts := newTestServer(t, nil)
	ctx := context.Background()

	res, err := mgr.Submit(ctx, ops.SubmitRequest{RequestID: "r1", OperationType: "service_publishing"})
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/api/operations/"+res.OperationID+"/cancel", map[string]string{"reason": "layer withdrawn"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	op := decode[ops.Operation](t, resp)
	assert.Equal(t, ops.StatusDead, op.Status)
	assert.Equal(t, "layer withdrawn", op.ErrorDetails["message"])

	resp = postJSON(t, ts.URL+"/api/operations/"+res.OperationID+"/cancel", map[string]string{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelProcessingIsConflict(t *testing.T) {
	_, mgr, ts := newTestServer(t, nil)
	ctx := context.Background()

	res, err := mgr.Submit(ctx, ops.SubmitRequest{RequestID: "r1", OperationType: "service_publishing"})
	require.NoError(t, err)
	lease, err := mgr.Lease(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, lease)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/operations/"+res.OperationID+"/cancel", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListOperations(t *testing.T) {
	_, mgr, ts := newTestServer(t, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := mgr.Submit(ctx, ops.SubmitRequest{RequestID: id, OperationType: "service_publishing"})
		require.NoError(t, err)
	}
	cancelled, err := mgr.Submit(ctx, ops.SubmitRequest{RequestID: "d", OperationType: "service_publishing"})
	require.NoError(t, err)
	_, err = mgr.Cancel(ctx, cancelled.OperationID, "")
	require.NoError(t, err)

	type listResponse struct {
		Operations []ops.Operation `json:"operations"`
		Count      int             `json:"count"`
	}

	list := decode[listResponse](t, get(t, ts.URL+"/api/operations?status=queued"))
	assert.Equal(t, 3, list.Count)

	list = decode[listResponse](t, get(t, ts.URL+"/api/operations?status=queued&limit=2"))
	assert.Equal(t, 2, list.Count)

	list = decode[listResponse](t, get(t, ts.URL+"/api/operations?request_id=d"))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, ops.StatusDead, list.Operations[0].Status)

	resp := get(t, ts.URL+"/api/operations?status=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPublishedResourcesEndpoint(t *testing.T) {
	_, mgr, ts := newTestServer(t, nil)
	ctx := context.Background()

	res, err := mgr.Submit(ctx, ops.SubmitRequest{RequestID: "r1", OperationType: "service_publishing"})
	require.NoError(t, err)
	lease, err := mgr.Lease(ctx, "worker-1")
	require.NoError(t, err)
	_, err = mgr.CompleteSuccess(ctx, res.OperationID, lease.ID, ops.Result{
		Output:             ops.Document{"service_id": "svc-1"},
		PublishedResources: ops.Document{"services": ops.Document{"parcels": ops.Document{"service_id": "svc-1"}}},
	})
	require.NoError(t, err)

	resp := get(t, ts.URL+"/api/operations/"+res.OperationID+"/resources")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	services := body["published_resources"].(map[string]any)["services"].(map[string]any)
	assert.Equal(t, "svc-1", services["parcels"].(map[string]any)["service_id"])
}

func TestStatsEndpoint(t *testing.T) {
	pool := fakePool{metrics: ops.PoolMetrics{WorkersTotal: 4, Succeeded: 9}}
	_, mgr, ts := newTestServer(t, pool)
	ctx := context.Background()

	_, err := mgr.Submit(ctx, ops.SubmitRequest{RequestID: "r1", OperationType: "service_publishing"})
	require.NoError(t, err)
	_, err = mgr.Submit(ctx, ops.SubmitRequest{RequestID: "r2", OperationType: "reindex"})
	require.NoError(t, err)

	resp := get(t, ts.URL+"/api/operations/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ByType  map[string]map[string]int `json:"by_type"`
		Total   int                       `json:"total"`
		Workers *ops.PoolMetrics          `json:"workers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, 1, body.ByType["reindex"]["queued"])
	require.NotNil(t, body.Workers)
	assert.Equal(t, 4, body.Workers.WorkersTotal)
	assert.EqualValues(t, 9, body.Workers.Succeeded)
}

func TestHealth(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	resp := get(t, ts.URL+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "version")
}

func TestOperationStreamReceivesUpdates(t *testing.T) {
	srv, mgr, ts := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/operations"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.clientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	res, err := mgr.Submit(context.Background(), ops.SubmitRequest{RequestID: "r1", OperationType: "service_publishing"})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Type      string        `json:"type"`
		Operation ops.Operation `json:"operation"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "operation_update", msg.Type)
	assert.Equal(t, res.OperationID, msg.Operation.ID)
	assert.Equal(t, ops.StatusQueued, msg.Operation.Status)
}

func TestOperationStreamRejectsForeignOrigin(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/operations"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	srv := &Server{cfg: Config{AllowedOrigins: []string{"http://localhost", "https://ops.example"}}}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"https://ops.example", true},
		{"https://evil.example", false},
		{"http://127.0.0.1:8740", false},
		{"http://localhost.evil.example", false},
		{"http://localhost.evil.example:3000", false},
		{"https://localhost:3000", false},
		{"https://ops.example.attacker.net", false},
		{"null", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws/operations", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, srv.checkOrigin(r), tt.origin)
	}
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusForError(errors.NewNotFoundError("operation %s", "x")))
	assert.Equal(t, http.StatusBadRequest, statusForError(errors.NewInvalidRequestError("bad")))
	assert.Equal(t, http.StatusConflict, statusForError(errors.Wrap(ops.ErrInvalidStateTransition, "cancel")))
	assert.Equal(t, http.StatusServiceUnavailable, statusForError(errors.Wrap(ops.ErrStoreUnavailable, "claim")))
	assert.Equal(t, http.StatusInternalServerError, statusForError(errors.New("boom")))
}

func TestCORSPreflight(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/operations", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}
