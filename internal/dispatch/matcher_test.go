package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/inventory"
	"github.com/ariefcatur/go-fulfillment-engine/internal/notify"
	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var drop = orders.GeoPoint{Lat: -6.2, Lon: 106.8}

type timerCall struct {
	orderID, agentID string
	delay            time.Duration
}

type fakeTimers struct {
	mu    sync.Mutex
	calls []timerCall
}

func (f *fakeTimers) ScheduleOfferCheck(_ context.Context, orderID, agentID string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, timerCall{orderID, agentID, delay})
	return nil
}

func (f *fakeTimers) last() timerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type env struct {
	orders  *orders.Service
	agents  *MemDirectory
	offers  *MemOfferLog
	notes   *notify.Recorder
	timers  *fakeTimers
	now     time.Time
	matcher *Matcher
}

func newEnv(t *testing.T, agents ...Agent) *env {
	t.Helper()
	e := &env{
		agents: NewMemDirectory(agents...),
		offers: NewMemOfferLog(),
		notes:  &notify.Recorder{},
		timers: &fakeTimers{},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := DefaultConfig()

	e.orders = &orders.Service{
		Store:    orders.NewMemStore(),
		Ledger:   inventory.NewMemLedger(inventory.Product{ID: "p1", Name: "Nasi Goreng", PriceCents: 30000, Active: true, Stock: inventory.Stock{Stock: 100}}),
		Notifier: e.notes,
		Partners: PartnerLedger{Agents: e.agents, Earnings: cfg.Earnings},
		Config:   orders.DefaultConfig(),
	}
	e.matcher = &Matcher{
		Orders:   e.orders,
		Agents:   e.agents,
		Offers:   e.offers,
		Notifier: e.notes,
		Timers:   e.timers,
		Config:   cfg,
		Now:      func() time.Time { return e.now },
	}
	return e
}

// elapse moves the matcher clock; tests run single-goroutine around it.
func (e *env) elapse(d time.Duration) { e.now = e.now.Add(d) }

func (e *env) confirmedOrder(t *testing.T) *orders.Order {
	t.Helper()
	o, _, err := e.orders.Create(context.Background(), orders.CheckoutRequest{
		UserID:        "u1",
		Items:         []orders.CheckoutItem{{ProductID: "p1", Qty: 1}},
		PaymentMethod: orders.PaymentCOD,
		Address:       orders.Address{Text: "Jl. Thamrin 10", Location: drop},
	})
	require.NoError(t, err)
	return o
}

func agent(id string, lat float64, rating float64) Agent {
	return Agent{ID: id, Name: id, Active: true, Online: true, Rating: rating, Location: orders.GeoPoint{Lat: lat, Lon: 106.8}}
}

func (e *env) offersTo(agentID string) int {
	n := 0
	for _, s := range e.notes.All() {
		if s.Type == notify.TypeDeliveryOffer && s.UserID == agentID {
			n++
		}
	}
	return n
}

func TestHaversine(t *testing.T) {
	assert.InDelta(t, 111.195, Haversine(orders.GeoPoint{}, orders.GeoPoint{Lat: 0, Lon: 1}), 0.01)
	assert.Zero(t, Haversine(drop, drop))
	assert.InDelta(t, Haversine(drop, orders.GeoPoint{Lat: -6.21, Lon: 106.8}), Haversine(orders.GeoPoint{Lat: -6.21, Lon: 106.8}, drop), 1e-9)
}

func TestETAAndEarnings(t *testing.T) {
	assert.Equal(t, 40*time.Minute, ETA(10, 20, 10*time.Minute))
	assert.Equal(t, 10*time.Minute, ETA(0, 20, 10*time.Minute))

	e := Earnings{BaseCents: 1000, PerKmCents: 250}
	assert.Equal(t, 1000, e.For(0))
	assert.Equal(t, 1625, e.For(2.5))
	assert.Equal(t, 1000, e.For(-1))
}

func TestRankByDistanceThenRating(t *testing.T) {
	cands := []Candidate{
		{Agent: Agent{ID: "far", Rating: 5}, DistanceKm: 3},
		{Agent: Agent{ID: "near-low", Rating: 3.9}, DistanceKm: 1},
		{Agent: Agent{ID: "near-high", Rating: 4.8}, DistanceKm: 1},
		{Agent: Agent{ID: "mid", Rating: 1}, DistanceKm: 2},
	}
	Rank(cands)
	var ids []string
	for _, c := range cands {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"near-high", "near-low", "mid", "far"}, ids)
}

func TestNearbyFiltersUndispatchableAgents(t *testing.T) {
	offline := agent("offline", -6.201, 5)
	offline.Online = false
	inactive := agent("inactive", -6.201, 5)
	inactive.Active = false
	d := NewMemDirectory(agent("close", -6.201, 4), agent("far", -6.5, 5), offline, inactive)
	require.NoError(t, d.Claim(context.Background(), "close", "ORD-x"))
	require.NoError(t, d.Upsert(context.Background(), agent("free", -6.21, 4)))

	cands, err := d.Nearby(context.Background(), drop, 5)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "free", cands[0].ID)
}

func TestDispatchRejectTimeoutAccept(t *testing.T) {
	e := newEnv(t, agent("a1", -6.201, 4.5), agent("a2", -6.21, 4.9), agent("a3", -6.22, 4.0), agent("far", -6.6, 5))
	o := e.confirmedOrder(t)
	ctx := context.Background()
	window := e.matcher.Config.OfferTimeout

	step, err := e.matcher.Dispatch(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, Step{State: StepOffered, AgentID: "a1"}, step)
	assert.Equal(t, timerCall{o.ID, "a1", window}, e.timers.last())

	// one offer at a time
	step, err = e.matcher.Dispatch(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, Step{State: StepWaiting, AgentID: "a1"}, step)
	assert.Zero(t, e.offersTo("a2"))

	_, err = e.matcher.Respond(ctx, o.ID, "a1", false)
	require.NoError(t, err)
	assert.Equal(t, timerCall{o.ID, "a1", 0}, e.timers.last())
	step, err = e.matcher.Advance(ctx, o.ID, "a1")
	require.NoError(t, err)
	assert.Equal(t, Step{State: StepOffered, AgentID: "a2"}, step)

	// a2 never answers
	e.elapse(window)
	step, err = e.matcher.Advance(ctx, o.ID, "a2")
	require.NoError(t, err)
	assert.Equal(t, Step{State: StepOffered, AgentID: "a3"}, step)

	_, err = e.matcher.Respond(ctx, o.ID, "a3", true)
	require.NoError(t, err)
	// a3's timer firing later changes nothing
	step, err = e.matcher.Advance(ctx, o.ID, "a3")
	require.NoError(t, err)
	assert.Equal(t, Step{State: StepAssigned, AgentID: "a3"}, step)

	got, err := e.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "a3", got.PartnerID)
	assert.Greater(t, got.DeliveryDistanceKm, 2.0)
	assert.Zero(t, e.offersTo("far"))
	assert.Equal(t, 1, e.offersTo("a1"))
	assert.Equal(t, 1, e.offersTo("a2"))

	off, err := e.offers.Get(ctx, o.ID, "a2")
	require.NoError(t, err)
	assert.Equal(t, OfferExpired, off.Status)
	off, err = e.offers.Get(ctx, o.ID, "a3")
	require.NoError(t, err)
	assert.Equal(t, OfferAccepted, off.Status)

	a3, err := e.agents.Get(ctx, "a3")
	require.NoError(t, err)
	assert.Equal(t, AgentBusy, a3.Status)
	assert.Equal(t, o.ID, a3.CurrentOrderID)

	// the timed-out agent answering late loses
	_, err = e.matcher.Respond(ctx, o.ID, "a2", true)
	assert.ErrorIs(t, err, orders.ErrAlreadyAssigned)
	a2, err := e.agents.Get(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, AgentAvailable, a2.Status)
	assert.Equal(t, 1, e.notes.Count(notify.TypeDeliveryAssigned))
}

func TestLateAcceptWinsWhileUnassigned(t *testing.T) {
	e := newEnv(t, agent("a1", -6.201, 4.5))
	o := e.confirmedOrder(t)
	ctx := context.Background()

	_, err := e.matcher.Dispatch(ctx, o.ID)
	require.NoError(t, err)
	e.elapse(e.matcher.Config.OfferTimeout)
	_, err = e.matcher.Advance(ctx, o.ID, "a1")
	require.ErrorIs(t, err, ErrExhausted)

	got, err := e.matcher.Respond(ctx, o.ID, "a1", true)
	require.NoError(t, err)
	assert.Equal(t, "a1", got.PartnerID)
	off, err := e.offers.Get(ctx, o.ID, "a1")
	require.NoError(t, err)
	assert.Equal(t, OfferAccepted, off.Status)
}

func TestNewRoundRetriesExpiredAgents(t *testing.T) {
	e := newEnv(t, agent("a1", -6.201, 4.5))
	o := e.confirmedOrder(t)
	ctx := context.Background()

	_, err := e.matcher.Dispatch(ctx, o.ID)
	require.NoError(t, err)
	e.elapse(e.matcher.Config.OfferTimeout)
	_, err = e.matcher.Advance(ctx, o.ID, "a1")
	require.ErrorIs(t, err, ErrExhausted)
	// a duplicate timer delivery does not re-offer within the round
	_, err = e.matcher.Advance(ctx, o.ID, "a1")
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, e.offersTo("a1"))

	e.elapse(time.Second)
	step, err := e.matcher.Dispatch(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, Step{State: StepOffered, AgentID: "a1"}, step)
	assert.Equal(t, 2, e.offersTo("a1"))
}

func TestLostTimerDoesNotStallRound(t *testing.T) {
	e := newEnv(t, agent("a1", -6.201, 4.5), agent("a2", -6.21, 4.9))
	e.matcher.Timers = nil
	o := e.confirmedOrder(t)
	ctx := context.Background()

	_, err := e.matcher.Dispatch(ctx, o.ID)
	require.NoError(t, err)

	// still inside the window: nothing new goes out
	e.elapse(e.matcher.Config.OfferTimeout / 2)
	step, err := e.matcher.Dispatch(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, Step{State: StepWaiting, AgentID: "a1"}, step)

	// past it, a re-dispatch expires the stale offer and starts over
	e.elapse(e.matcher.Config.OfferTimeout)
	step, err = e.matcher.Dispatch(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, Step{State: StepOffered, AgentID: "a1"}, step)
	assert.Equal(t, 2, e.offersTo("a1"))
	assert.Zero(t, e.offersTo("a2"))
}

func TestConcurrentAcceptAssignsOnce(t *testing.T) {
	e := newEnv(t, agent("a1", -6.201, 4.5), agent("a2", -6.202, 4.5))
	o := e.confirmedOrder(t)
	ctx := context.Background()
	for _, id := range []string{"a1", "a2"} {
		require.NoError(t, e.offers.Create(ctx, Offer{OrderID: o.ID, AgentID: id, Status: OfferPending, OfferedAt: time.Now()}))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    []string
		losses  int
		unknown []error
	)
	for _, id := range []string{"a1", "a2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := e.matcher.Respond(ctx, o.ID, id, true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins = append(wins, id)
			case errors.Is(err, orders.ErrAlreadyAssigned):
				losses++
			default:
				unknown = append(unknown, err)
			}
		}(id)
	}
	wg.Wait()

	require.Empty(t, unknown)
	require.Len(t, wins, 1)
	assert.Equal(t, 1, losses)

	got, err := e.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, wins[0], got.PartnerID)

	busy := 0
	for _, id := range []string{"a1", "a2"} {
		a, err := e.agents.Get(ctx, id)
		require.NoError(t, err)
		if a.Status == AgentBusy {
			busy++
		}
	}
	assert.Equal(t, 1, busy)
}

func TestRedispatchSkipsAgentsThatRejected(t *testing.T) {
	e := newEnv(t, agent("a1", -6.201, 4.5))
	o := e.confirmedOrder(t)
	ctx := context.Background()

	_, err := e.matcher.Dispatch(ctx, o.ID)
	require.NoError(t, err)
	_, err = e.matcher.Respond(ctx, o.ID, "a1", false)
	require.NoError(t, err)
	_, err = e.matcher.Advance(ctx, o.ID, "a1")
	assert.ErrorIs(t, err, ErrExhausted)

	_, err = e.matcher.Dispatch(ctx, o.ID)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, e.offersTo("a1"))

	_, err = e.matcher.Respond(ctx, o.ID, "a1", true)
	assert.ErrorIs(t, err, ErrOfferClosed)
}

func TestDispatchRequiresConfirmedOrder(t *testing.T) {
	e := newEnv(t, agent("a1", -6.201, 4.5))
	ctx := context.Background()
	o, _, err := e.orders.Create(ctx, orders.CheckoutRequest{
		UserID:        "u1",
		Items:         []orders.CheckoutItem{{ProductID: "p1", Qty: 1}},
		PaymentMethod: orders.PaymentPrepaid,
		Address:       orders.Address{Text: "Jl. Thamrin 10", Location: drop},
	})
	require.NoError(t, err)

	_, err = e.matcher.Dispatch(ctx, o.ID)
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)

	_, err = e.matcher.Respond(ctx, o.ID, "a1", true)
	assert.ErrorIs(t, err, ErrNoOffer)
}

func TestDeliveryFreesAgentAndCreditsEarning(t *testing.T) {
	e := newEnv(t, agent("a1", -6.21, 4.5))
	o := e.confirmedOrder(t)
	ctx := context.Background()
	require.NoError(t, e.offers.Create(ctx, Offer{OrderID: o.ID, AgentID: "a1", Status: OfferPending, OfferedAt: time.Now()}))
	_, err := e.matcher.Respond(ctx, o.ID, "a1", true)
	require.NoError(t, err)

	_, err = e.orders.UpdateStatus(ctx, o.ID, orders.StatusDelivered, orders.ActorPartner, "handed over")
	require.NoError(t, err)

	a, err := e.agents.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, AgentAvailable, a.Status)
	assert.Empty(t, a.CurrentOrderID)
	assert.Equal(t, 1, a.Deliveries)
	assert.Equal(t, e.matcher.Config.Earnings.For(0), a.PendingCents)
}

func TestCancelFreesAssignedAgent(t *testing.T) {
	e := newEnv(t, agent("a1", -6.21, 4.5))
	o := e.confirmedOrder(t)
	ctx := context.Background()
	require.NoError(t, e.offers.Create(ctx, Offer{OrderID: o.ID, AgentID: "a1", Status: OfferPending, OfferedAt: time.Now()}))
	_, err := e.matcher.Respond(ctx, o.ID, "a1", true)
	require.NoError(t, err)

	_, err = e.orders.Cancel(ctx, o.ID, orders.ActorAdmin, "kitchen closed")
	require.NoError(t, err)

	a, err := e.agents.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, AgentAvailable, a.Status)
}
