package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/repository"
)

const (
	testShopID = "shop-1"
	testUserID = "user-1"
)

var (
	shopActor     = model.Actor{ID: testShopID, Role: model.RoleShop}
	customerActor = model.Actor{ID: testUserID, Role: model.RoleCustomer}
	testNow       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.OrderStatusChanged
	err    error
}

func (p *recordingPublisher) PublishStatusChanged(_ context.Context, evt model.OrderStatusChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) snapshot() []model.OrderStatusChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.OrderStatusChanged(nil), p.events...)
}

// flakyStore отказывает в TransactionalUpdate для ключей с заданным префиксом.
type flakyStore struct {
	*repository.MemoryRepository
	prefix   string
	failures int64
	calls    atomic.Int64
}

func (s *flakyStore) TransactionalUpdate(ctx context.Context, key string, fn repository.UpdateFunc) ([]byte, error) {
	if strings.HasPrefix(key, s.prefix) {
		if n := s.calls.Add(1); s.failures < 0 || n <= s.failures {
			return nil, repository.ErrUnavailable
		}
	}
	return s.MemoryRepository.TransactionalUpdate(ctx, key, fn)
}

// hookStore вызывает onGet один раз после первого чтения ключа.
type hookStore struct {
	*repository.MemoryRepository
	key   string
	once  sync.Once
	onGet func()
}

func (s *hookStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.MemoryRepository.Get(ctx, key)
	if key == s.key {
		s.once.Do(s.onGet)
	}
	return data, err
}

// ackLossStore сохраняет первую запись заказа, но возвращает ошибку, как при
// потерянном подтверждении фиксации. Первые failGets чтений заказов тоже отказывают.
type ackLossStore struct {
	*repository.MemoryRepository
	failGets int64
	lost     atomic.Bool
	gets     atomic.Int64
}

func (s *ackLossStore) TransactionalUpdate(ctx context.Context, key string, fn repository.UpdateFunc) ([]byte, error) {
	data, err := s.MemoryRepository.TransactionalUpdate(ctx, key, fn)
	if err == nil && strings.HasPrefix(key, "orders/") && s.lost.CompareAndSwap(false, true) {
		return nil, repository.ErrUnavailable
	}
	return data, err
}

func (s *ackLossStore) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.HasPrefix(key, "orders/") && s.gets.Add(1) <= s.failGets {
		return nil, repository.ErrUnavailable
	}
	return s.MemoryRepository.Get(ctx, key)
}

type testEnv struct {
	svc       *Service
	mem       *repository.MemoryRepository
	publisher *recordingPublisher
}

func newTestEnv(t *testing.T, store repository.Store, mem *repository.MemoryRepository, cfg Config) *testEnv {
	t.Helper()
	publisher := &recordingPublisher{}
	var ids atomic.Int64
	svc := NewService(Deps{
		Store:     store,
		Publisher: publisher,
		Clock:     func() time.Time { return testNow },
		NewID:     func() string { return fmt.Sprintf("order-%d", ids.Add(1)) },
	}, cfg)

	env := &testEnv{svc: svc, mem: mem, publisher: publisher}
	env.seedShop(t)
	return env
}

func newMemoryEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	mem := repository.NewMemoryRepository()
	return newTestEnv(t, mem, mem, cfg)
}

func (e *testEnv) seedShop(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := e.svc.RegisterShop(ctx, shopActor, ShopProfile{Name: "Clean Corner", MinimumOrderAmount: 500})
	require.NoError(t, err)
	_, err = e.svc.SetServices(ctx, shopActor, model.ServiceCatalog{
		"wash": {"shirt": 100, "pants": 150},
	})
	require.NoError(t, err)
}

func (e *testEnv) credit(t *testing.T, points int64) {
	t.Helper()
	_, err := e.svc.ledger.Credit(context.Background(), testUserID, points)
	require.NoError(t, err)
}

func (e *testEnv) balance(t *testing.T) int64 {
	t.Helper()
	b, err := e.svc.GetUserRewardBalance(context.Background(), testUserID)
	require.NoError(t, err)
	return b
}

func (e *testEnv) keys(prefix string) []string {
	var out []string
	for _, k := range e.mem.Keys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func checkout(redeem int64) CheckoutRequest {
	return CheckoutRequest{
		QuoteRequest: QuoteRequest{
			UserID: testUserID,
			Lines: []model.CartLine{
				{ShopID: testShopID, ServiceCategory: "wash", ServiceType: "shirt", Quantity: 3},
				{ShopID: testShopID, ServiceCategory: "wash", ServiceType: "pants", Quantity: 2},
			},
			DeliveryOption: model.DeliveryNormal,
			RedeemPoints:   redeem,
		},
		PaymentMethod:   model.PaymentCard,
		DeliveryAddress: "Main st. 1",
	}
}

func (e *testEnv) createOrder(t *testing.T, redeem int64) model.Order {
	t.Helper()
	order, err := e.svc.CreateOrder(context.Background(), checkout(redeem))
	require.NoError(t, err)
	return order
}

func TestQuote_UsesCatalogPrices(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	env.credit(t, 100)

	req := checkout(1000).QuoteRequest
	req.Lines[0].UnitPrice = 1
	q, err := env.svc.Quote(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(600), q.ListSubtotal)
	assert.Equal(t, int64(600), q.TotalBeforeRedemption)
	assert.Equal(t, int64(100), q.Redemption)
	assert.Equal(t, int64(500), q.Total)
	assert.Equal(t, int64(18), q.PointsEarned)
}

func TestQuote_UnknownShop(t *testing.T) {
	env := newMemoryEnv(t, Config{})

	req := checkout(0).QuoteRequest
	for i := range req.Lines {
		req.Lines[i].ShopID = "missing"
	}
	_, err := env.svc.Quote(context.Background(), req)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCreateOrder_HappyPath(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	env.credit(t, 100)

	order := env.createOrder(t, 50)

	assert.Equal(t, "order-1", order.ID)
	assert.Equal(t, int64(100000), order.OrderNumber)
	assert.Equal(t, model.OrderStatusPending, order.Status)
	assert.Equal(t, model.PaymentPending, order.Payment)
	assert.Equal(t, model.SettlementSettled, order.Settlement)
	assert.Equal(t, int64(600), order.OriginalTotal)
	assert.Equal(t, int64(550), order.Quote.Total)
	assert.Equal(t, int64(50), order.RewardPointsRedeemed)
	assert.Equal(t, int64(18), order.RewardPointsEarned)
	assert.Equal(t, testNow.Add(72*time.Hour), order.DeliveryAt)
	assert.Len(t, order.Items, 2)

	assert.Equal(t, int64(68), env.balance(t))
	assert.Empty(t, env.keys("checkouts/"), "checkout intent must be removed")

	second := env.createOrder(t, 0)
	assert.Equal(t, int64(100001), second.OrderNumber)
	assert.Equal(t, int64(86), env.balance(t))
}

func TestCreateOrder_UrgentDelivery(t *testing.T) {
	env := newMemoryEnv(t, Config{})

	req := checkout(0)
	req.DeliveryOption = model.DeliveryUrgent
	order, err := env.svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(60), order.Quote.Surcharge)
	assert.Equal(t, int64(660), order.Quote.Total)
	assert.Equal(t, testNow.Add(24*time.Hour), order.DeliveryAt)
}

func TestCreateOrder_BelowMinimum(t *testing.T) {
	env := newMemoryEnv(t, Config{})

	req := checkout(0)
	req.Lines = req.Lines[:1]
	_, err := env.svc.CreateOrder(context.Background(), req)

	assert.ErrorIs(t, err, model.ErrBelowMinimumOrder)
	assert.Empty(t, env.keys("orders/"))
	assert.Empty(t, env.keys(repository.OrderCounterKey), "no order number must be consumed")
}

func TestCreateOrder_InvalidInput(t *testing.T) {
	env := newMemoryEnv(t, Config{})

	tests := []struct {
		name   string
		mutate func(*CheckoutRequest)
		want   error
	}{
		{"payment method", func(r *CheckoutRequest) { r.PaymentMethod = "barter" }, model.ErrValidation},
		{"address", func(r *CheckoutRequest) { r.DeliveryAddress = " " }, model.ErrValidation},
		{"empty cart", func(r *CheckoutRequest) { r.Lines = nil }, model.ErrValidation},
		{"negative redemption", func(r *CheckoutRequest) { r.RedeemPoints = -1 }, model.ErrValidation},
		{"mixed shops", func(r *CheckoutRequest) { r.Lines[1].ShopID = "shop-2" }, model.ErrMixedShops},
		{"unknown service", func(r *CheckoutRequest) { r.Lines[0].ServiceType = "coat" }, model.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := checkout(0)
			tt.mutate(&req)
			_, err := env.svc.CreateOrder(context.Background(), req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, env.keys("orders/"))
}

func TestCreateOrder_InsufficientBalanceAbortsCheckout(t *testing.T) {
	mem := repository.NewMemoryRepository()
	store := &hookStore{MemoryRepository: mem, key: repository.RewardsKey(testUserID)}
	env := newTestEnv(t, store, mem, Config{})
	env.credit(t, 100)

	// Баланс тратится между расчётом и списанием.
	store.onGet = func() {
		_, err := env.svc.ledger.Debit(context.Background(), testUserID, 80)
		require.NoError(t, err)
	}

	_, err := env.svc.CreateOrder(context.Background(), checkout(100))

	assert.ErrorIs(t, err, model.ErrInsufficientBalance)
	assert.Empty(t, env.keys("orders/"))
	assert.Empty(t, env.keys("checkouts/"))
	assert.Equal(t, int64(20), env.balance(t))
}

func TestCreateOrder_RetriesSequence(t *testing.T) {
	mem := repository.NewMemoryRepository()
	store := &flakyStore{MemoryRepository: mem, prefix: repository.OrderCounterKey, failures: 2}
	env := newTestEnv(t, store, mem, Config{})

	order := env.createOrder(t, 0)

	assert.Equal(t, int64(100000), order.OrderNumber)
	assert.Equal(t, int64(3), store.calls.Load())
}

func TestCreateOrder_SequenceUnavailable(t *testing.T) {
	mem := repository.NewMemoryRepository()
	store := &flakyStore{MemoryRepository: mem, prefix: repository.OrderCounterKey, failures: -1}
	env := newTestEnv(t, store, mem, Config{})

	_, err := env.svc.CreateOrder(context.Background(), checkout(0))

	assert.ErrorIs(t, err, model.ErrSequenceUnavailable)
	assert.Greater(t, store.calls.Load(), int64(1))
	assert.Empty(t, env.keys("orders/"))
}

func TestCreateOrder_OrderWriteFailureReturnsPoints(t *testing.T) {
	mem := repository.NewMemoryRepository()
	store := &flakyStore{MemoryRepository: mem, prefix: "orders/", failures: -1}
	env := newTestEnv(t, store, mem, Config{})
	env.credit(t, 100)

	_, err := env.svc.CreateOrder(context.Background(), checkout(60))
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrUnavailable)
	assert.Equal(t, int64(100), env.balance(t))

	var intent checkoutIntent
	require.NoError(t, repository.GetJSON(context.Background(), mem, repository.CheckoutKey("order-1"), &intent))
	assert.Equal(t, intentAborted, intent.State)

	report, err := env.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.RolledBack)
	assert.Empty(t, env.keys("checkouts/"))
	assert.Equal(t, int64(100), env.balance(t))
}

func TestCreateOrder_StoredDespiteWriteError(t *testing.T) {
	mem := repository.NewMemoryRepository()
	env := newTestEnv(t, &ackLossStore{MemoryRepository: mem}, mem, Config{})
	env.credit(t, 100)
	ctx := context.Background()

	order, err := env.svc.CreateOrder(ctx, checkout(100))
	require.NoError(t, err)
	assert.Equal(t, int64(100), order.RewardPointsRedeemed)
	assert.Equal(t, model.SettlementSettled, order.Settlement)
	assert.Equal(t, int64(18), env.balance(t), "redeemed points stay spent")
	assert.Empty(t, env.keys("checkouts/"))

	report, err := env.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{}, report)
	assert.Equal(t, int64(18), env.balance(t))
}

func TestCreateOrder_UnknownWriteOutcomeLeftForReconciliation(t *testing.T) {
	mem := repository.NewMemoryRepository()
	env := newTestEnv(t, &ackLossStore{MemoryRepository: mem, failGets: 1}, mem, Config{})
	env.credit(t, 100)
	ctx := context.Background()

	_, err := env.svc.CreateOrder(ctx, checkout(100))
	require.ErrorIs(t, err, repository.ErrUnavailable)
	assert.Equal(t, int64(0), env.balance(t), "points are not returned while the outcome is unknown")

	var intent checkoutIntent
	require.NoError(t, repository.GetJSON(ctx, mem, repository.CheckoutKey("order-1"), &intent))
	assert.Equal(t, intentStarted, intent.State)

	env.svc.now = func() time.Time { return testNow.Add(10 * time.Minute) }
	report, err := env.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Settled: 1}, report)
	assert.Equal(t, int64(18), env.balance(t))
	assert.Empty(t, env.keys("checkouts/"))

	got, err := env.svc.GetOrder(ctx, customerActor, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, got.Status)
	assert.Equal(t, model.SettlementSettled, got.Settlement)
}

func TestReconcile_VoidsOrderOfAbortedCheckout(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	ctx := context.Background()
	env.credit(t, 100)

	// Оформление откатано и баллы возвращены, но заказ всё же записан.
	require.NoError(t, env.svc.putIntent(ctx, checkoutIntent{
		OrderID: "late-order", UserID: testUserID, Redemption: 100, State: intentAborted, CreatedAt: testNow,
	}))
	_, err := env.svc.ledger.Apply(ctx, testUserID, redeemOp("late-order"), -100)
	require.NoError(t, err)
	_, err = env.svc.ledger.Reverse(ctx, testUserID, redeemOp("late-order"))
	require.NoError(t, err)
	require.NoError(t, env.svc.insertOrder(ctx, model.Order{
		ID:                   "late-order",
		OrderNumber:          7,
		UserID:               testUserID,
		ShopID:               testShopID,
		Status:               model.OrderStatusPending,
		Payment:              model.PaymentPending,
		Settlement:           model.SettlementPending,
		RewardPointsRedeemed: 100,
		RewardPointsEarned:   18,
		CreatedAt:            testNow,
	}))

	report, err := env.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Compensated: 1}, report)
	assert.Equal(t, int64(100), env.balance(t), "no points credited for a voided order")
	assert.Empty(t, env.keys("checkouts/"))

	got, err := env.svc.GetOrder(ctx, customerActor, "late-order")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, got.Status)
	assert.Equal(t, model.SettlementCompensated, got.Settlement)

	events := env.publisher.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, model.OrderStatusCancelled, events[0].NewStatus)

	again, err := env.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{}, again)
	assert.Equal(t, int64(100), env.balance(t))
}

func TestConcurrentCheckoutsGetDistinctNumbers(t *testing.T) {
	env := newMemoryEnv(t, Config{})

	const n = 20
	var wg sync.WaitGroup
	numbers := make(chan int64, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := env.svc.CreateOrder(context.Background(), checkout(0))
			if assert.NoError(t, err) {
				numbers <- order.OrderNumber
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int64]bool)
	for num := range numbers {
		assert.False(t, seen[num], "duplicate order number %d", num)
		seen[num] = true
	}
	assert.Len(t, seen, n)
}

func TestTransition_ForwardChain(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	order := env.createOrder(t, 0)
	ctx := context.Background()

	chain := []model.OrderStatus{
		model.OrderStatusProceeding,
		model.OrderStatusWashing,
		model.OrderStatusDelivery,
		model.OrderStatusCompleted,
	}
	prev := model.OrderStatusPending
	for _, next := range chain {
		updated, err := env.svc.Transition(ctx, order.ID, shopActor, next)
		require.NoError(t, err)
		assert.Equal(t, next, updated.Status)
		assert.Equal(t, prev, updated.PreviousStatus)
		prev = next
	}

	events := env.publisher.snapshot()
	require.Len(t, events, len(chain))
	assert.Equal(t, model.OrderStatusCompleted, events[3].NewStatus)
	assert.Equal(t, model.OrderStatusDelivery, events[3].PreviousStatus)
	assert.Equal(t, order.OrderNumber, events[3].OrderNumber)
	assert.Equal(t, testShopID, events[3].ActorID)

	_, err := env.svc.Transition(ctx, order.ID, shopActor, model.OrderStatusCancelled)
	assert.ErrorIs(t, err, model.ErrOrderTerminal)
}

func TestTransition_Rules(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	order := env.createOrder(t, 0)
	ctx := context.Background()

	_, err := env.svc.Transition(ctx, order.ID, shopActor, model.OrderStatusWashing)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = env.svc.Transition(ctx, order.ID, shopActor, model.OrderStatusPending)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = env.svc.Transition(ctx, order.ID, shopActor, "lost")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = env.svc.Transition(ctx, order.ID, customerActor, model.OrderStatusProceeding)
	assert.ErrorIs(t, err, model.ErrForbidden)

	other := model.Actor{ID: "shop-2", Role: model.RoleShop}
	_, err = env.svc.Transition(ctx, order.ID, other, model.OrderStatusProceeding)
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = env.svc.Transition(ctx, "missing", shopActor, model.OrderStatusProceeding)
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.Empty(t, env.publisher.snapshot(), "rejected transitions must not emit events")

	got, err := env.svc.GetOrder(ctx, shopActor, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, got.Status)
}

func TestTransition_PublishFailureDoesNotFail(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	env.publisher.err = errors.New("broker down")
	order := env.createOrder(t, 0)

	updated, err := env.svc.Transition(context.Background(), order.ID, shopActor, model.OrderStatusProceeding)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusProceeding, updated.Status)
}

func TestConcurrentTransitions_OneWins(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	order := env.createOrder(t, 0)

	const n = 10
	var wg sync.WaitGroup
	var succeeded atomic.Int64
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.svc.Transition(context.Background(), order.ID, shopActor, model.OrderStatusProceeding); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), succeeded.Load())
	assert.Len(t, env.publisher.snapshot(), 1)
}

func TestCancel_ByShopCompensates(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	env.credit(t, 100)
	order := env.createOrder(t, 50)
	require.Equal(t, int64(68), env.balance(t))
	ctx := context.Background()

	_, err := env.svc.ConfirmPayment(ctx, order.ID, "pi_1")
	require.NoError(t, err)
	_, err = env.svc.Transition(ctx, order.ID, shopActor, model.OrderStatusProceeding)
	require.NoError(t, err)

	cancelled, err := env.svc.Cancel(ctx, order.ID, shopActor)
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, model.OrderStatusProceeding, cancelled.PreviousStatus)
	assert.Equal(t, model.PaymentRefundDue, cancelled.Payment)
	assert.Equal(t, model.SettlementCompensated, cancelled.Settlement)
	assert.Equal(t, int64(100), env.balance(t))

	_, err = env.svc.Cancel(ctx, order.ID, shopActor)
	assert.ErrorIs(t, err, model.ErrOrderTerminal)
	assert.Equal(t, int64(100), env.balance(t))
}

func TestCancel_ClawBackCappedAtBalance(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	order := env.createOrder(t, 0)
	require.Equal(t, int64(18), env.balance(t))

	_, err := env.svc.ledger.Debit(context.Background(), testUserID, 10)
	require.NoError(t, err)

	_, err = env.svc.Cancel(context.Background(), order.ID, shopActor)
	require.NoError(t, err)
	assert.Equal(t, int64(0), env.balance(t))
}

func TestCancel_CustomerPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		env := newMemoryEnv(t, Config{})
		order := env.createOrder(t, 0)
		_, err := env.svc.Cancel(ctx, order.ID, customerActor)
		assert.ErrorIs(t, err, model.ErrForbidden)
	})

	t.Run("pending", func(t *testing.T) {
		env := newMemoryEnv(t, Config{CustomerCancelAllowed: true})
		order := env.createOrder(t, 0)
		cancelled, err := env.svc.Cancel(ctx, order.ID, customerActor)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusCancelled, cancelled.Status)
	})

	t.Run("after processing started", func(t *testing.T) {
		env := newMemoryEnv(t, Config{CustomerCancelAllowed: true})
		order := env.createOrder(t, 0)
		_, err := env.svc.Transition(ctx, order.ID, shopActor, model.OrderStatusProceeding)
		require.NoError(t, err)
		_, err = env.svc.Cancel(ctx, order.ID, customerActor)
		assert.ErrorIs(t, err, model.ErrForbidden)
	})

	t.Run("someone else's order", func(t *testing.T) {
		env := newMemoryEnv(t, Config{CustomerCancelAllowed: true})
		order := env.createOrder(t, 0)
		stranger := model.Actor{ID: "user-2", Role: model.RoleCustomer}
		_, err := env.svc.Cancel(ctx, order.ID, stranger)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("via transition", func(t *testing.T) {
		env := newMemoryEnv(t, Config{CustomerCancelAllowed: true})
		order := env.createOrder(t, 0)
		cancelled, err := env.svc.Transition(ctx, order.ID, customerActor, model.OrderStatusCancelled)
		require.NoError(t, err)
		assert.Equal(t, model.SettlementCompensated, cancelled.Settlement)
	})
}

func TestConfirmPayment(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	order := env.createOrder(t, 0)
	ctx := context.Background()

	paid, err := env.svc.ConfirmPayment(ctx, order.ID, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPaid, paid.Payment)
	assert.Equal(t, "cs_1", paid.PaymentReference)

	again, err := env.svc.ConfirmPayment(ctx, order.ID, "cs_2")
	require.NoError(t, err)
	assert.Equal(t, "cs_1", again.PaymentReference, "repeated confirmation must not change the order")

	_, err = env.svc.ConfirmPayment(ctx, "missing", "cs_3")
	assert.ErrorIs(t, err, model.ErrNotFound)

	unpaid := env.createOrder(t, 0)
	_, err = env.svc.Cancel(ctx, unpaid.ID, shopActor)
	require.NoError(t, err)
	_, err = env.svc.ConfirmPayment(ctx, unpaid.ID, "cs_4")
	assert.ErrorIs(t, err, model.ErrOrderTerminal)

	done := env.createOrder(t, 0)
	for _, st := range []model.OrderStatus{
		model.OrderStatusProceeding, model.OrderStatusWashing, model.OrderStatusDelivery, model.OrderStatusCompleted,
	} {
		_, err = env.svc.Transition(ctx, done.ID, shopActor, st)
		require.NoError(t, err)
	}
	_, err = env.svc.ConfirmPayment(ctx, done.ID, "cs_5")
	assert.ErrorIs(t, err, model.ErrOrderTerminal)
	got, err := env.svc.GetOrder(ctx, shopActor, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPending, got.Payment, "completed order is not mutated")
}

func TestGetOrder_Visibility(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	order := env.createOrder(t, 0)
	ctx := context.Background()

	_, err := env.svc.GetOrder(ctx, customerActor, order.ID)
	assert.NoError(t, err)
	_, err = env.svc.GetOrder(ctx, shopActor, order.ID)
	assert.NoError(t, err)

	_, err = env.svc.GetOrder(ctx, model.Actor{ID: "user-2", Role: model.RoleCustomer}, order.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = env.svc.GetOrder(ctx, model.Actor{ID: "shop-2", Role: model.RoleShop}, order.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestListOrders(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	first := env.createOrder(t, 0)
	second := env.createOrder(t, 0)
	ctx := context.Background()

	_, err := env.svc.Transition(ctx, first.ID, shopActor, model.OrderStatusProceeding)
	require.NoError(t, err)

	byUser, err := env.svc.ListOrdersByUser(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, second.ID, byUser[0].ID, "newest order first")

	pending, err := env.svc.ListOrdersByShop(ctx, testShopID, model.OrderStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	all, err := env.svc.ListOrdersByShop(ctx, testShopID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := env.svc.ListOrdersByUser(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = env.svc.ListOrdersByShop(ctx, testShopID, "lost")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestReconcile_FinishesInterruptedCheckouts(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	ctx := context.Background()
	env.credit(t, 100)
	stale := testNow.Add(-10 * time.Minute)

	// Заказ записан, но баллы не начислены.
	pending := model.Order{
		ID:                 "pending-order",
		OrderNumber:        1,
		UserID:             testUserID,
		ShopID:             testShopID,
		Status:             model.OrderStatusPending,
		Payment:            model.PaymentPending,
		Settlement:         model.SettlementPending,
		RewardPointsEarned: 15,
		CreatedAt:          stale,
	}
	require.NoError(t, env.svc.putIntent(ctx, checkoutIntent{OrderID: pending.ID, UserID: testUserID, State: intentStarted, CreatedAt: stale}))
	require.NoError(t, env.svc.insertOrder(ctx, pending))

	// Баллы списаны, но заказ так и не записан.
	require.NoError(t, env.svc.putIntent(ctx, checkoutIntent{OrderID: "lost-order", UserID: testUserID, Redemption: 40, State: intentStarted, CreatedAt: stale}))
	_, err := env.svc.ledger.Apply(ctx, testUserID, redeemOp("lost-order"), -40)
	require.NoError(t, err)

	// Оформление ещё идёт.
	require.NoError(t, env.svc.putIntent(ctx, checkoutIntent{OrderID: "fresh-order", UserID: testUserID, State: intentStarted, CreatedAt: testNow}))

	report, err := env.svc.Reconcile(ctx)
	require.NoError(t, err)

	assert.Equal(t, ReconcileReport{Settled: 1, RolledBack: 1}, report)
	assert.Equal(t, int64(115), env.balance(t))
	assert.Equal(t, []string{repository.CheckoutKey("fresh-order")}, env.keys("checkouts/"))

	got, err := env.svc.GetOrder(ctx, customerActor, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementSettled, got.Settlement)

	again, err := env.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{}, again)
	assert.Equal(t, int64(115), env.balance(t))
}

func TestReconcile_CompensatesCancelledOrders(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	ctx := context.Background()

	order := model.Order{
		ID:                 "cancelled-order",
		UserID:             testUserID,
		ShopID:             testShopID,
		Status:             model.OrderStatusCancelled,
		Settlement:         model.SettlementSettled,
		RewardPointsEarned: 12,
		CreatedAt:          testNow,
	}
	require.NoError(t, env.svc.insertOrder(ctx, order))
	_, err := env.svc.ledger.Apply(ctx, testUserID, earnOp(order.ID), 12)
	require.NoError(t, err)

	report, err := env.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Compensated)
	assert.Equal(t, int64(0), env.balance(t))

	got, err := env.svc.GetOrder(ctx, customerActor, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementCompensated, got.Settlement)
}

func TestStartReconciliation_StopsOnCancel(t *testing.T) {
	env := newMemoryEnv(t, Config{ReconcileInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- env.svc.StartReconciliation(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciliation loop did not stop")
	}
}

func TestShops(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	ctx := context.Background()

	_, err := env.svc.RegisterShop(ctx, shopActor, ShopProfile{Name: "Again"})
	assert.ErrorIs(t, err, model.ErrAlreadyExists)

	_, err = env.svc.RegisterShop(ctx, customerActor, ShopProfile{Name: "Mine"})
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = env.svc.UpdateShopProfile(ctx, shopActor, ShopProfile{Name: ""})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = env.svc.UpdateShopProfile(ctx, shopActor, ShopProfile{Name: "Clean", MinimumOrderAmount: -1})
	assert.ErrorIs(t, err, model.ErrValidation)

	updated, err := env.svc.UpdateShopProfile(ctx, shopActor, ShopProfile{Name: " Clean Corner 2 ", Phone: "+1", MinimumOrderAmount: 300})
	require.NoError(t, err)
	assert.Equal(t, "Clean Corner 2", updated.Name)

	_, err = env.svc.SetServices(ctx, shopActor, model.ServiceCatalog{"wash": {"shirt": 0}})
	assert.ErrorIs(t, err, model.ErrValidation)

	for _, pct := range []int64{0, 101} {
		_, err = env.svc.SetPromotion(ctx, shopActor, model.Promotion{Name: "Sale", Description: "All", PercentOff: pct})
		assert.ErrorIs(t, err, model.ErrValidation, "percent %d", pct)
	}
	_, err = env.svc.SetPromotion(ctx, shopActor, model.Promotion{Name: "Sale", PercentOff: 10})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = env.svc.SetPromotion(ctx, shopActor, model.Promotion{Name: "Sale", Description: "All items", PercentOff: 10})
	require.NoError(t, err)

	q, err := env.svc.Quote(ctx, checkout(0).QuoteRequest)
	require.NoError(t, err)
	assert.Equal(t, int64(540), q.Subtotal)
	assert.Equal(t, int64(60), q.Discount)
	assert.Equal(t, int64(18), q.PointsEarned, "points accrue on list prices")

	cleared, err := env.svc.ClearPromotion(ctx, shopActor)
	require.NoError(t, err)
	assert.Nil(t, cleared.Promotion)

	shop, err := env.svc.GetShop(ctx, testShopID)
	require.NoError(t, err)
	assert.Nil(t, shop.Promotion)
	assert.Equal(t, int64(300), shop.MinimumOrderAmount)

	_, err = env.svc.GetShop(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = env.svc.ClearPromotion(ctx, model.Actor{ID: "shop-2", Role: model.RoleShop})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRiders(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	ctx := context.Background()
	otherShop := model.Actor{ID: "shop-2", Role: model.RoleShop}

	rider, err := env.svc.AddRider(ctx, shopActor, "r-2", RiderProfile{Name: " Ivan ", Phone: "+7900", BikeNumber: "A1"})
	require.NoError(t, err)
	assert.Equal(t, "Ivan", rider.Name)
	assert.Equal(t, testShopID, rider.ShopID)
	assert.Equal(t, testNow, rider.CreatedAt)

	_, err = env.svc.AddRider(ctx, shopActor, "r-1", RiderProfile{Name: "Petr", Phone: "+7901"})
	require.NoError(t, err)

	_, err = env.svc.AddRider(ctx, otherShop, "r-2", RiderProfile{Name: "Oleg", Phone: "+7902"})
	assert.ErrorIs(t, err, model.ErrAlreadyExists, "rider ids are global")

	_, err = env.svc.AddRider(ctx, otherShop, "r-3", RiderProfile{Name: "Oleg", Phone: "+7902"})
	require.NoError(t, err)

	for _, id := range []string{"", "a/b", "..", "with space"} {
		_, err = env.svc.AddRider(ctx, shopActor, id, RiderProfile{Name: "X", Phone: "1"})
		assert.ErrorIs(t, err, model.ErrValidation, "id %q", id)
	}
	_, err = env.svc.AddRider(ctx, shopActor, "r-9", RiderProfile{Name: "X"})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = env.svc.AddRider(ctx, customerActor, "r-9", RiderProfile{Name: "X", Phone: "1"})
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = env.svc.UpdateRider(ctx, otherShop, "r-2", RiderProfile{Name: "Stolen", Phone: "0"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = env.svc.UpdateRider(ctx, shopActor, "missing", RiderProfile{Name: "X", Phone: "1"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	updated, err := env.svc.UpdateRider(ctx, shopActor, "r-2", RiderProfile{Name: "Ivan", Phone: "+7999"})
	require.NoError(t, err)
	assert.Equal(t, "+7999", updated.Phone)
	assert.Empty(t, updated.BikeNumber)

	riders, err := env.svc.ListRiders(ctx, testShopID)
	require.NoError(t, err)
	require.Len(t, riders, 2)
	assert.Equal(t, "r-1", riders[0].ID)
	assert.Equal(t, "r-2", riders[1].ID)

	assert.ErrorIs(t, env.svc.RemoveRider(ctx, otherShop, "r-1"), model.ErrNotFound)
	require.NoError(t, env.svc.RemoveRider(ctx, shopActor, "r-1"))
	assert.ErrorIs(t, env.svc.RemoveRider(ctx, shopActor, "r-1"), model.ErrNotFound)

	riders, err = env.svc.ListRiders(ctx, testShopID)
	require.NoError(t, err)
	require.Len(t, riders, 1)
	assert.Equal(t, "r-2", riders[0].ID)

	riders, err = env.svc.ListRiders(ctx, otherShop.ID)
	require.NoError(t, err)
	require.Len(t, riders, 1)
	assert.Equal(t, "r-3", riders[0].ID)
}

func TestUsers(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	ctx := context.Background()

	_, err := env.svc.GetUser(ctx, testUserID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	user, err := env.svc.EnsureUser(ctx, testUserID, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", user.Email)

	_, err = env.svc.UpdateUserProfile(ctx, testUserID, UserProfile{Name: "Ann", Email: "ann@example.com", Address: "Main st. 1"})
	require.NoError(t, err)

	again, err := env.svc.EnsureUser(ctx, testUserID, "other@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", again.Email, "existing profile must be kept")

	env.credit(t, 42)
	got, err := env.svc.GetUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, "Ann", got.Name)
	assert.Equal(t, int64(42), got.RewardPointBalance)

	_, err = env.svc.GetUserRewardBalance(ctx, "")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestSubmitReview(t *testing.T) {
	env := newMemoryEnv(t, Config{})
	ctx := context.Background()
	order := env.createOrder(t, 0)

	_, err := env.svc.SubmitReview(ctx, customerActor, order.ID, ReviewRequest{Score: 4})
	assert.ErrorIs(t, err, model.ErrOrderNotEligible)

	for _, next := range []model.OrderStatus{
		model.OrderStatusProceeding, model.OrderStatusWashing, model.OrderStatusDelivery, model.OrderStatusCompleted,
	} {
		_, err := env.svc.Transition(ctx, order.ID, shopActor, next)
		require.NoError(t, err)
	}

	_, err = env.svc.SubmitReview(ctx, shopActor, order.ID, ReviewRequest{Score: 4})
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = env.svc.SubmitReview(ctx, model.Actor{ID: "user-2", Role: model.RoleCustomer}, order.ID, ReviewRequest{Score: 4})
	assert.ErrorIs(t, err, model.ErrNotFound)

	score, err := env.svc.SubmitReview(ctx, customerActor, order.ID, ReviewRequest{Score: 4, Comment: "<b>fast</b>"})
	require.NoError(t, err)
	assert.InDelta(t, 4.0, score, 1e-9)

	_, err = env.svc.SubmitReview(ctx, customerActor, order.ID, ReviewRequest{Score: 5})
	assert.ErrorIs(t, err, model.ErrDuplicateReview)

	shop, err := env.svc.GetShop(ctx, testShopID)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, shop.Rating, 1e-9)

	reviews, err := env.svc.ListReviews(ctx, testShopID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "fast", reviews[0].Comment)
	assert.Equal(t, testUserID, reviews[0].ReviewerID)
}
