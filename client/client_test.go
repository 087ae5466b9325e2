package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recipecheck/types"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /add_order", func(w http.ResponseWriter, r *http.Request) {
		var order types.Order
		if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad order"}`))
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"message": "Order added", "order_id": 1, "report_analysis": "for " + order.StdTriangleCode1,
		})
	})
	mux.HandleFunc("POST /add_orders", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"message":"Order already exist","order_id":1,"report_analysis":"r"},{"error":"SYNTHESIZING: boom"}]`))
	})
	mux.HandleFunc("GET /get_orders", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1},{"id":2}]`))
	})
	mux.HandleFunc("GET /process_order/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "1":
			_, _ = w.Write([]byte(`{"id":1,"report_analysis":"Overall: PASS"}`))
		case "500":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"order storage unavailable"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Order not found"}`))
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAddOrder(t *testing.T) {
	c := New(newTestServer(t).URL)
	res, err := c.AddOrder(context.Background(), types.Order{StdTriangleCode1: "ABC"})
	require.NoError(t, err)
	assert.True(t, res.Created())
	assert.Equal(t, int64(1), res.OrderID)
	assert.Equal(t, "for ABC", res.ReportAnalysis)
}

func TestAddOrders(t *testing.T) {
	c := New(newTestServer(t).URL)
	items, err := c.AddOrders(context.Background(), []types.Order{{}, {}})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.False(t, items[0].Created())
	assert.Equal(t, int64(1), items[0].OrderID)
	assert.Equal(t, "SYNTHESIZING: boom", items[1].Error)
}

func TestListOrders(t *testing.T) {
	c := New(newTestServer(t).URL + "/")
	ids, err := c.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestGetReport(t *testing.T) {
	c := New(newTestServer(t).URL)

	rep, err := c.GetReport(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Overall: PASS", rep.ReportAnalysis)

	_, err = c.GetReport(context.Background(), 9)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.GetReport(context.Background(), 500)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "order storage unavailable", apiErr.Message)
}

func TestNewUsesEnvironment(t *testing.T) {
	t.Setenv("RECIPECHECK_API_URL", "http://api.internal:9000")
	assert.Equal(t, "http://api.internal:9000", New("").baseURL)

	t.Setenv("RECIPECHECK_API_URL", "")
	assert.Equal(t, DefaultBaseURL, New("").baseURL)
}
