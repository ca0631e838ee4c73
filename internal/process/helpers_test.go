package process

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/commercekit/fulfillment-service/internal/config"
	"github.com/commercekit/fulfillment-service/internal/domain"
	"github.com/commercekit/fulfillment-service/internal/engine"
	"github.com/commercekit/fulfillment-service/internal/gateway"
	"github.com/commercekit/fulfillment-service/internal/observability"
	"github.com/commercekit/fulfillment-service/internal/repository"
)

var (
	testMetricsOnce sync.Once
	testMetrics     *observability.Metrics
)

// metricsForTest returns a shared Metrics instance. promauto registers
// collectors globally, so tests must not create one per engine.
func metricsForTest() *observability.Metrics {
	testMetricsOnce.Do(func() {
		testMetrics = observability.NewMetrics("process_test")
	})
	return testMetrics
}

// memOrders is an in-memory OrderRepository.
type memOrders struct {
	mu sync.Mutex
	m  map[string]*domain.Order
}

var _ repository.OrderRepository = (*memOrders)(nil)

func newMemOrders() *memOrders { return &memOrders{m: make(map[string]*domain.Order)} }

func (r *memOrders) CreateIfAbsent(_ context.Context, order *domain.Order) (*domain.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.m[order.ID]; ok {
		c := *existing
		return &c, false, nil
	}
	c := *order
	if c.State == "" {
		c.State = domain.OrderStateReceived
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	r.m[order.ID] = &c
	out := c
	return &out, true, nil
}

func (r *memOrders) GetByID(_ context.Context, orderID string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.m[orderID]
	if !ok {
		return nil, domain.NewNotFoundError("order", orderID)
	}
	c := *order
	return &c, nil
}

func (r *memOrders) UpdateState(_ context.Context, orderID string, next domain.OrderState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.m[orderID]
	if !ok {
		return domain.NewNotFoundError("order", orderID)
	}
	if !order.State.Advances(next) {
		return domain.NewValidationError("state", "transition does not advance")
	}
	order.State = next
	order.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memOrders) UpdateAddress(_ context.Context, orderID string, address *domain.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.m[orderID]
	if !ok {
		return domain.NewNotFoundError("order", orderID)
	}
	c := *address
	order.Address = &c
	return nil
}

// memPayments is an in-memory PaymentRepository.
type memPayments struct {
	mu sync.Mutex
	m  map[string]*domain.Payment
}

var _ repository.PaymentRepository = (*memPayments)(nil)

func newMemPayments() *memPayments { return &memPayments{m: make(map[string]*domain.Payment)} }

func (r *memPayments) CreateIfAbsent(_ context.Context, payment *domain.Payment) (*domain.Payment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.m[payment.PaymentID]; ok {
		c := *existing
		return &c, false, nil
	}
	c := *payment
	c.CreatedAt = time.Now().UTC()
	r.m[payment.PaymentID] = &c
	out := c
	return &out, true, nil
}

func (r *memPayments) GetByID(_ context.Context, paymentID string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.m[paymentID]
	if !ok {
		return nil, domain.NewNotFoundError("payment", paymentID)
	}
	c := *payment
	return &c, nil
}

func (r *memPayments) ListByOrder(_ context.Context, orderID string) ([]*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Payment
	for _, payment := range r.m {
		if payment.OrderID == orderID {
			c := *payment
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// memEvents is an in-memory EventRepository. failOnce makes the first
// append of a given type fail, so tests can exercise the repair path
// where the entity write landed but the event write did not.
type memEvents struct {
	mu       sync.Mutex
	events   []*domain.Event
	nextID   int64
	failOnce map[domain.EventType]bool
}

var _ repository.EventRepository = (*memEvents)(nil)

func newMemEvents() *memEvents { return &memEvents{failOnce: make(map[domain.EventType]bool)} }

func (r *memEvents) failFirstAppendOf(types ...domain.EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		r.failOnce[t] = true
	}
}

func (r *memEvents) Append(_ context.Context, orderID string, eventType domain.EventType, _ any) (*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOnce[eventType] {
		delete(r.failOnce, eventType)
		return nil, domain.NewGatewayError("events", context.DeadlineExceeded)
	}
	return r.appendLocked(orderID, eventType), nil
}

func (r *memEvents) AppendOnce(_ context.Context, orderID string, eventType domain.EventType, _ any) (*domain.Event, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOnce[eventType] {
		delete(r.failOnce, eventType)
		return nil, false, domain.NewGatewayError("events", context.DeadlineExceeded)
	}
	for _, event := range r.events {
		if event.OrderID == orderID && event.Type == eventType {
			return nil, false, nil
		}
	}
	return r.appendLocked(orderID, eventType), true, nil
}

func (r *memEvents) appendLocked(orderID string, eventType domain.EventType) *domain.Event {
	r.nextID++
	event := &domain.Event{ID: r.nextID, OrderID: orderID, Type: eventType, CreatedAt: time.Now().UTC()}
	r.events = append(r.events, event)
	c := *event
	return &c
}

func (r *memEvents) ListByOrder(_ context.Context, orderID string, afterID int64, _ int) ([]*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Event
	for _, event := range r.events {
		if event.OrderID == orderID && event.ID > afterID {
			c := *event
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memEvents) ListAfter(_ context.Context, afterID int64, _ int) ([]*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Event
	for _, event := range r.events {
		if event.ID > afterID {
			c := *event
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memEvents) typesFor(orderID string) []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EventType
	for _, event := range r.events {
		if event.OrderID == orderID {
			out = append(out, event.Type)
		}
	}
	return out
}

// countingPaymentGateway counts gateway charges on top of an inner
// gateway.
type countingPaymentGateway struct {
	mu    sync.Mutex
	inner gateway.PaymentGateway
	calls int
}

func (g *countingPaymentGateway) Charge(ctx context.Context, orderID, paymentID string, amount int) (*domain.ChargeResult, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.inner.Charge(ctx, orderID, paymentID, amount)
}

func (g *countingPaymentGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// countingValidator counts validation attempts on top of an inner
// validator.
type countingValidator struct {
	mu    sync.Mutex
	inner gateway.Validator
	calls int
}

func (v *countingValidator) ValidateOrder(ctx context.Context, order *domain.Order) error {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	return v.inner.ValidateOrder(ctx, order)
}

func (v *countingValidator) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// failingCarrier fails every dispatch with the same message.
type failingCarrier struct{}

func (failingCarrier) DispatchCarrier(context.Context, *domain.Order) (string, error) {
	return "", domain.NewGatewayError("carrier", context.DeadlineExceeded)
}

// fixture wires an engine, activities, and processes over in-memory
// storage and reliable gateways. Tests swap individual collaborators
// before calling build.
type fixture struct {
	store     *engine.MemStore
	orders    *memOrders
	payments  *memPayments
	events    *memEvents
	validator gateway.Validator
	payment   gateway.PaymentGateway
	carrier   gateway.CarrierService
	cfg       config.EngineConfig
}

func newFixture() *fixture {
	reliable := gateway.NewFlakiness(config.GatewaysConfig{PaymentRateLimit: 1000, PaymentRateBurst: 100})
	return &fixture{
		store:     engine.NewMemStore(),
		orders:    newMemOrders(),
		payments:  newMemPayments(),
		events:    newMemEvents(),
		validator: gateway.NewSimulatedValidator(reliable),
		payment:   gateway.NewSimulatedPaymentGateway(reliable, config.GatewaysConfig{PaymentRateLimit: 1000, PaymentRateBurst: 100}),
		carrier:   gateway.NewSimulatedCarrierService(reliable),
		cfg: config.EngineConfig{
			MaxAttempts:       3,
			ReceiveTimeout:    time.Second,
			ValidateTimeout:   time.Second,
			ChargeTimeout:     time.Second,
			PrepareTimeout:    time.Second,
			DispatchTimeout:   time.Second,
			ManualReviewDelay: 10 * time.Millisecond,
			SignalBuffer:      16,
			RecoveryTimeout:   time.Second,
		},
	}
}

func (f *fixture) build() *engine.Engine {
	reliable := gateway.NewFlakiness(config.GatewaysConfig{})
	activities := NewActivities(
		f.orders, f.payments, f.events,
		gateway.NewSimulatedOrderSource(reliable),
		f.validator,
		f.payment,
		gateway.NewSimulatedPackagingService(reliable),
		f.carrier,
		zerolog.Nop(),
	)
	e := engine.New(f.store, f.cfg, zerolog.Nop(), metricsForTest())
	Register(e, activities)
	return e
}

// waitForTerminal polls until the run leaves the running state.
func waitForTerminal(t *testing.T, e *engine.Engine, runID string) *engine.Run {
	t.Helper()
	var run *engine.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = e.Status(context.Background(), runID)
		return err == nil && run.State != engine.RunStateRunning
	}, 5*time.Second, 5*time.Millisecond, "run %s did not finish", runID)
	return run
}
