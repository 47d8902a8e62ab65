package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/dispatch"
	"github.com/ariefcatur/go-fulfillment-engine/internal/inventory"
	"github.com/ariefcatur/go-fulfillment-engine/internal/notify"
	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
	"github.com/ariefcatur/go-fulfillment-engine/internal/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	webhookSecret = "whsec_test"
	keySecret     = "key_test"
)

var dropOff = orders.GeoPoint{Lat: -6.2000, Lon: 106.8166}

type recordedJobs struct {
	mu         sync.Mutex
	dispatches []string
}

func (j *recordedJobs) ScheduleMilestone(context.Context, string, orders.Status, orders.Status, time.Duration) error {
	return nil
}

func (j *recordedJobs) ScheduleDispatch(_ context.Context, id string, _ time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.dispatches = append(j.dispatches, id)
	return nil
}

type testAPI struct {
	srv    *httptest.Server
	svc    *orders.Service
	agents *dispatch.MemDirectory
	offers *dispatch.MemOfferLog
	jobs   *recordedJobs
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ledger := inventory.NewMemLedger(
		inventory.Product{ID: "p1", Name: "Kopi Susu", PriceCents: 10000, Active: true, Stock: inventory.Stock{Stock: 3}},
	)
	api := &testAPI{
		agents: dispatch.NewMemDirectory(dispatch.Agent{
			ID: "a1", Name: "Budi", Active: true, Online: true, Location: dropOff, Rating: 4.8,
		}),
		offers: dispatch.NewMemOfferLog(),
		jobs:   &recordedJobs{},
	}
	rec := &payments.Reconciler{
		Gateway:       &payments.OfflineGateway{},
		Dedup:         &payments.MemDeduper{},
		WebhookSecret: webhookSecret,
		KeySecret:     keySecret,
	}
	dcfg := dispatch.DefaultConfig()
	api.svc = &orders.Service{
		Store:    orders.NewMemStore(),
		Ledger:   ledger,
		Payments: rec,
		Jobs:     api.jobs,
		Notifier: &notify.Recorder{},
		Partners: dispatch.PartnerLedger{Agents: api.agents, Earnings: dcfg.Earnings},
		Config:   orders.DefaultConfig(),
	}
	rec.Orders = api.svc
	matcher := &dispatch.Matcher{
		Orders: api.svc,
		Agents: api.agents,
		Offers: api.offers,
		Config: dcfg,
	}

	r := NewRouter()
	(&OrdersHandler{Orders: api.svc, Payments: rec, Jobs: api.jobs}).Register(r)
	(&PaymentsHandler{Payments: rec}).Register(r)
	(&DispatchHandler{Matcher: matcher, Agents: api.agents}).Register(r)
	(&InventoryHandler{Ledger: ledger}).Register(r)
	api.srv = httptest.NewServer(r)
	t.Cleanup(api.srv.Close)
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body any, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		raw = b
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func checkoutBody(method string, qty int) map[string]any {
	return map[string]any{
		"user_id":        "u1",
		"items":          []map[string]any{{"product_id": "p1", "qty": qty}},
		"payment_method": method,
		"delivery_address": map[string]any{
			"text":     "Jl. Sudirman 1",
			"location": map[string]any{"lat": dropOff.Lat, "lon": dropOff.Lon},
		},
	}
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t)

	resp, _ := api.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCheckoutIsIdempotent(t *testing.T) {
	api := newTestAPI(t)
	hdr := http.Header{"Idempotency-Key": []string{"key-1"}}

	resp, first := api.do(t, http.MethodPost, "/checkout", checkoutBody("prepaid", 1), hdr)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "pending", first["status"])
	assert.NotEmpty(t, first["payment_link_url"])
	assert.Equal(t, false, first["idempotent"])

	resp, second := api.do(t, http.MethodPost, "/checkout", checkoutBody("prepaid", 1), hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first["order_id"], second["order_id"])
	assert.Equal(t, true, second["idempotent"])

	resp, prod := api.do(t, http.MethodGet, "/products/p1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), prod["stock"].(map[string]any)["reserved"])
}

func TestCheckoutErrors(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(t, http.MethodPost, "/checkout", checkoutBody("prepaid", 9), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, body["shortages"])

	resp, _ = api.do(t, http.MethodPost, "/checkout", []byte("{"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/checkout", checkoutBody("bitcoin", 1), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/orders/ORD-nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookConfirmsOrder(t *testing.T) {
	api := newTestAPI(t)
	resp, created := api.do(t, http.MethodPost, "/checkout", checkoutBody("prepaid", 1), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["order_id"].(string)

	o, err := api.svc.Get(context.Background(), id)
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]any{
		"id":    "evt_1",
		"event": payments.EventPaymentCaptured,
		"payload": map[string]any{"payment": map[string]any{"entity": map[string]any{
			"id": "pay_1", "order_id": o.Provider.OrderID,
		}}},
	})
	require.NoError(t, err)

	resp, _ = api.do(t, http.MethodPost, "/payments/webhook", raw,
		http.Header{HeaderSignature: []string{"00ff"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/payments/webhook", raw,
		http.Header{HeaderSignature: []string{payments.SignWebhook(webhookSecret, raw)}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, got := api.do(t, http.MethodGet, "/orders/"+id, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "confirmed", got["status"])
	assert.Equal(t, "completed", got["payment_status"])
}

func TestCallbackConfirmsOrder(t *testing.T) {
	api := newTestAPI(t)
	_, created := api.do(t, http.MethodPost, "/checkout", checkoutBody("prepaid", 1), nil)
	o, err := api.svc.Get(context.Background(), created["order_id"].(string))
	require.NoError(t, err)

	sig := payments.SignCallback(keySecret, o.Provider.LinkID, "pay_9")
	resp, got := api.do(t, http.MethodGet,
		"/payments/callback?link_id="+o.Provider.LinkID+"&payment_id=pay_9&signature="+sig, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "confirmed", got["status"])
}

func TestStatusAndCancelRoutes(t *testing.T) {
	api := newTestAPI(t)
	_, created := api.do(t, http.MethodPost, "/checkout", checkoutBody("cod", 1), nil)
	id := created["order_id"].(string)
	require.Equal(t, "confirmed", created["status"])

	resp, got := api.do(t, http.MethodPost, "/orders/"+id+"/status",
		map[string]any{"status": "preparing", "actor": "admin"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "preparing", got["status"])

	resp, _ = api.do(t, http.MethodPost, "/orders/"+id+"/status",
		map[string]any{"status": "confirmed"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, got = api.do(t, http.MethodPost, "/orders/"+id+"/cancel", map[string]any{"reason": "wrong address"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", got["status"])

	resp, _ = api.do(t, http.MethodPost, "/orders/"+id+"/cancel", map[string]any{}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRedispatchAndRespond(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	_, created := api.do(t, http.MethodPost, "/checkout", checkoutBody("cod", 1), nil)
	id := created["order_id"].(string)

	resp, _ := api.do(t, http.MethodPost, "/orders/"+id+"/dispatch", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, api.jobs.dispatches, id)

	resp, _ = api.do(t, http.MethodPost, "/dispatch/"+id+"/respond", map[string]any{"agent_id": "a1", "accept": true}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, api.offers.Create(ctx, dispatch.Offer{
		OrderID: id, AgentID: "a1", Status: dispatch.OfferPending, OfferedAt: time.Now().UTC(),
	}))
	resp, got := api.do(t, http.MethodPost, "/dispatch/"+id+"/respond", map[string]any{"agent_id": "a1", "accept": true}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a1", got["delivery_partner_id"])

	resp, agent := api.do(t, http.MethodGet, "/agents/a1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "busy", agent["status"])
	assert.Equal(t, id, agent["current_order_id"])
}

func TestAgentRoutes(t *testing.T) {
	api := newTestAPI(t)

	resp, got := api.do(t, http.MethodPost, "/agents", map[string]any{"id": "a2", "name": "Sari", "active": true}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "available", got["status"])

	resp, got = api.do(t, http.MethodPost, "/agents/a2/location", map[string]any{"lat": -6.21, "lon": 106.82}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, -6.21, got["location"].(map[string]any)["lat"], 1e-9)

	resp, got = api.do(t, http.MethodPost, "/agents/a2/online", map[string]any{"online": true}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, got["online"])

	resp, _ = api.do(t, http.MethodPost, "/agents/a2/location", map[string]any{"lat": 91, "lon": 0}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/agents/ghost/online", map[string]any{"online": true}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRestock(t *testing.T) {
	api := newTestAPI(t)

	resp, got := api.do(t, http.MethodPost, "/products/p1/restock", map[string]any{"qty": 4}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(7), got["stock"].(map[string]any)["stock"])

	resp, _ = api.do(t, http.MethodPost, "/products/p1/restock", map[string]any{"qty": 0}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStripeWebhookRouteVerifiesSignature(t *testing.T) {
	api := newTestAPI(t)
	raw := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)

	resp, _ := api.do(t, http.MethodPost, "/payments/stripe/webhook", raw,
		http.Header{payments.HeaderStripeSignature: []string{"t=1,v1=00ff"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/payments/stripe/webhook", raw, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
