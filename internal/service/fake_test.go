package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/kiwari-pos/checkout/internal/database"
	"github.com/kiwari-pos/checkout/internal/gateway"
	"github.com/kiwari-pos/checkout/internal/notify"
)

// --- In-memory database ---
//
// fakeDB holds one mutex for the whole lifetime of a transaction. That is
// stricter than row locks but gives the same guarantee the engine relies
// on: two transactions never interleave on the same rows.

type fakeState struct {
	products  map[int64]database.Product
	counters  map[string]int32
	discounts []database.Discount
	settings  database.StoreSetting
	orders    map[int64]database.Order
	nextID    int64
}

func (s *fakeState) clone() *fakeState {
	c := &fakeState{
		products:  make(map[int64]database.Product, len(s.products)),
		counters:  make(map[string]int32, len(s.counters)),
		discounts: append([]database.Discount(nil), s.discounts...),
		settings:  s.settings,
		orders:    make(map[int64]database.Order, len(s.orders)),
		nextID:    s.nextID,
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	return c
}

type fakeDB struct {
	mu      sync.Mutex
	stateMu sync.Mutex
	state   *fakeState
	clock   *fakeClock

	// createOrderHook runs before every insert; a non-nil error aborts it.
	createOrderHook func(arg database.CreateOrderParams) error
	// lockHook runs when a customer lock is granted and may change the state
	// the caller sees, like a transaction that committed while it waited.
	lockHook func(st *fakeState, email string)
}

// failCreateOrder makes the next n inserts fail with err and counts calls.
func (db *fakeDB) failCreateOrder(n int, err error) *int {
	calls := new(int)
	db.createOrderHook = func(database.CreateOrderParams) error {
		*calls++
		if *calls <= n {
			return err
		}
		return nil
	}
	return calls
}

func newFakeDB(clock *fakeClock) *fakeDB {
	return &fakeDB{
		clock: clock,
		state: &fakeState{
			products: map[int64]database.Product{},
			counters: map[string]int32{},
			orders:   map[int64]database.Order{},
			settings: database.StoreSetting{
				ID:            1,
				TaxPercentage: makeNumeric("11"),
				IsOpen:        true,
				Timezone:      "UTC",
			},
		},
	}
}

func (db *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	db.stateMu.Lock()
	working := db.state.clone()
	db.stateMu.Unlock()
	return &fakeTx{db: db, working: working}, nil
}

func (db *fakeDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}
func (db *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("not implemented")
}
func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("not implemented")
}

// snapshot returns a copy of the committed state for assertions.
func (db *fakeDB) snapshot() *fakeState {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	return db.state.clone()
}

func (db *fakeDB) addProduct(p database.Product) {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	db.state.products[p.ID] = p
}

func (db *fakeDB) addDiscount(d database.Discount) {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	db.state.discounts = append(db.state.discounts, d)
}

func (db *fakeDB) putOrder(o database.Order) database.Order {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	if o.ID == 0 {
		db.state.nextID++
		o.ID = db.state.nextID
	}
	db.state.orders[o.ID] = o
	return o
}

func (db *fakeDB) order(id int64) database.Order {
	return db.snapshot().orders[id]
}

func (db *fakeDB) stock(id int64) int32 {
	return db.snapshot().products[id].Stock
}

// fakeTx implements pgx.Tx. Unused methods panic so accidental calls show up.
type fakeTx struct {
	db      *fakeDB
	working *fakeState
	done    bool
}

func (tx *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { panic("not implemented") }
func (tx *fakeTx) Commit(ctx context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.db.stateMu.Lock()
	tx.db.state = tx.working
	tx.db.stateMu.Unlock()
	tx.done = true
	tx.db.mu.Unlock()
	return nil
}
func (tx *fakeTx) Rollback(ctx context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	tx.db.mu.Unlock()
	return nil
}
func (tx *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}
func (tx *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}
func (tx *fakeTx) LargeObjects() pgx.LargeObjects { panic("not implemented") }
func (tx *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}
func (tx *fakeTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}
func (tx *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("not implemented")
}
func (tx *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("not implemented")
}
func (tx *fakeTx) Conn() *pgx.Conn { panic("not implemented") }

// fakeNewStore is the NewStore used by tests: a tx gets its working copy,
// the pool reads committed state.
func fakeNewStore(db database.DBTX) Store {
	switch v := db.(type) {
	case *fakeTx:
		return &fakeStore{db: v.db, st: v.working}
	case *fakeDB:
		return &fakeStore{db: v}
	}
	panic("unexpected DBTX")
}

type fakeStore struct {
	db *fakeDB
	st *fakeState // nil outside a transaction
}

func (s *fakeStore) with(fn func(st *fakeState)) {
	if s.st != nil {
		fn(s.st)
		return
	}
	s.db.stateMu.Lock()
	defer s.db.stateMu.Unlock()
	fn(s.db.state)
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint}
}

func dateKey(d pgtype.Date) string { return d.Time.Format("2006-01-02") }

func (s *fakeStore) GetProductForUpdate(ctx context.Context, id int64) (p database.Product, err error) {
	s.with(func(st *fakeState) {
		var ok bool
		if p, ok = st.products[id]; !ok {
			err = pgx.ErrNoRows
		}
	})
	return p, err
}

func (s *fakeStore) ListProductsByIDs(ctx context.Context, ids []int64) (out []database.Product, err error) {
	s.with(func(st *fakeState) {
		for _, id := range ids {
			if p, ok := st.products[id]; ok {
				out = append(out, p)
			}
		}
	})
	return out, nil
}

func (s *fakeStore) DecrementProductStock(ctx context.Context, arg database.DecrementProductStockParams) (stock int32, err error) {
	s.with(func(st *fakeState) {
		p, ok := st.products[arg.ID]
		if !ok || p.Stock < arg.Quantity {
			err = pgx.ErrNoRows
			return
		}
		p.Stock -= arg.Quantity
		st.products[arg.ID] = p
		stock = p.Stock
	})
	return stock, err
}

func (s *fakeStore) IncrementProductStock(ctx context.Context, arg database.IncrementProductStockParams) (stock int32, err error) {
	s.with(func(st *fakeState) {
		p, ok := st.products[arg.ID]
		if !ok {
			err = pgx.ErrNoRows
			return
		}
		p.Stock += arg.Quantity
		st.products[arg.ID] = p
		stock = p.Stock
	})
	return stock, err
}

func (s *fakeStore) EnsureQueueCounter(ctx context.Context, d pgtype.Date) error {
	s.with(func(st *fakeState) {
		if _, ok := st.counters[dateKey(d)]; !ok {
			st.counters[dateKey(d)] = 0
		}
	})
	return nil
}

func (s *fakeStore) IncrementQueueCounter(ctx context.Context, d pgtype.Date) (n int32, err error) {
	s.with(func(st *fakeState) {
		cur, ok := st.counters[dateKey(d)]
		if !ok {
			err = pgx.ErrNoRows
			return
		}
		n = cur + 1
		st.counters[dateKey(d)] = n
	})
	return n, err
}

func (s *fakeStore) DeleteQueueCountersBefore(ctx context.Context, d pgtype.Date) (n int64, err error) {
	s.with(func(st *fakeState) {
		for k := range st.counters {
			if k < dateKey(d) {
				delete(st.counters, k)
				n++
			}
		}
	})
	return n, nil
}

func (s *fakeStore) GetDiscountByCode(ctx context.Context, code string) (d database.Discount, err error) {
	err = pgx.ErrNoRows
	s.with(func(st *fakeState) {
		for _, x := range st.discounts {
			if x.Code.Valid && strings.EqualFold(x.Code.String, code) {
				d, err = x, nil
				return
			}
		}
	})
	return d, err
}

func (s *fakeStore) ListAutomaticDiscounts(ctx context.Context) (out []database.Discount, err error) {
	s.with(func(st *fakeState) {
		for _, x := range st.discounts {
			if x.Active && !x.RequiresCode {
				out = append(out, x)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		c := numericToDecimal(out[i].Percentage).Cmp(numericToDecimal(out[j].Percentage))
		if c != 0 {
			return c > 0
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fakeStore) GetStoreSettings(ctx context.Context) (out database.StoreSetting, err error) {
	s.with(func(st *fakeState) { out = st.settings })
	return out, nil
}

func (s *fakeStore) AcquireCustomerLock(ctx context.Context, customerEmail string) error {
	if hook := s.db.lockHook; hook != nil {
		s.with(func(st *fakeState) { hook(st, customerEmail) })
	}
	return nil
}

func isLive(o database.Order) bool {
	return o.PaymentStatus != database.PaymentStatusFailed && o.PaymentStatus != database.PaymentStatusExpired
}

func (s *fakeStore) CountRecentOrdersByHash(ctx context.Context, arg database.CountRecentOrdersByHashParams) (n int64, err error) {
	s.with(func(st *fakeState) {
		for _, o := range st.orders {
			if o.CustomerEmail == arg.CustomerEmail && o.OrderHash == arg.OrderHash && !o.CreatedAt.Before(arg.Since) && isLive(o) {
				n++
			}
		}
	})
	return n, nil
}

func (s *fakeStore) CountRecentAttempts(ctx context.Context, arg database.CountRecentAttemptsParams) (row database.CountRecentAttemptsRow, err error) {
	s.with(func(st *fakeState) {
		for _, o := range st.orders {
			if o.CustomerEmail != arg.CustomerEmail || o.LastAttemptAt.Before(arg.Since) {
				continue
			}
			row.Count++
			if !row.Oldest.Valid || o.LastAttemptAt.Before(row.Oldest.Time) {
				row.Oldest = pgtype.Timestamptz{Time: o.LastAttemptAt, Valid: true}
			}
		}
	})
	return row, nil
}

func (s *fakeStore) GetOrderByIdempotencyKey(ctx context.Context, arg database.GetOrderByIdempotencyKeyParams) (o database.Order, err error) {
	err = pgx.ErrNoRows
	s.with(func(st *fakeState) {
		for _, x := range st.orders {
			if x.CustomerEmail == arg.CustomerEmail && x.IdempotencyKey.Valid && x.IdempotencyKey.String == arg.IdempotencyKey && isLive(x) {
				o, err = x, nil
				return
			}
		}
	})
	return o, err
}

func (s *fakeStore) OrderCodeExists(ctx context.Context, code string) (exists bool, err error) {
	s.with(func(st *fakeState) {
		for _, o := range st.orders {
			if o.OrderCode == code {
				exists = true
				return
			}
		}
	})
	return exists, nil
}

func (s *fakeStore) CreateOrder(ctx context.Context, arg database.CreateOrderParams) (o database.Order, err error) {
	if s.db.createOrderHook != nil {
		if err := s.db.createOrderHook(arg); err != nil {
			return o, err
		}
	}
	s.with(func(st *fakeState) {
		for _, x := range st.orders {
			switch {
			case x.OrderCode == arg.OrderCode:
				err = uniqueViolation("orders_order_code_key")
			case dateKey(x.QueueDate) == dateKey(arg.QueueDate) && x.QueueNumber == arg.QueueNumber:
				err = uniqueViolation("orders_queue_date_queue_number_key")
			case arg.IdempotencyKey.Valid && x.CustomerEmail == arg.CustomerEmail && x.IdempotencyKey == arg.IdempotencyKey && isLive(x):
				err = uniqueViolation("orders_live_idempotency_key_idx")
			}
			if err != nil {
				return
			}
		}
		st.nextID++
		now := s.db.clock.Now()
		o = database.Order{
			ID:               st.nextID,
			OrderCode:        arg.OrderCode,
			QueueNumber:      arg.QueueNumber,
			QueueDate:        arg.QueueDate,
			CustomerID:       arg.CustomerID,
			CustomerEmail:    arg.CustomerEmail,
			CustomerName:     arg.CustomerName,
			Items:            arg.Items,
			TotalItems:       arg.TotalItems,
			Subtotal:         arg.Subtotal,
			DiscountID:       arg.DiscountID,
			DiscountAmount:   arg.DiscountAmount,
			TaxAmount:        arg.TaxAmount,
			TotalAmount:      arg.TotalAmount,
			Notes:            arg.Notes,
			PaymentMethod:    arg.PaymentMethod,
			PaymentStatus:    arg.PaymentStatus,
			GatewayReference: arg.GatewayReference,
			Status:           arg.Status,
			OrderHash:        arg.OrderHash,
			IdempotencyKey:   arg.IdempotencyKey,
			LastAttemptAt:    arg.LastAttemptAt,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		st.orders[o.ID] = o
	})
	return o, err
}

func (s *fakeStore) findOrder(match func(database.Order) bool) (o database.Order, err error) {
	err = pgx.ErrNoRows
	s.with(func(st *fakeState) {
		for _, x := range st.orders {
			if match(x) {
				o, err = x, nil
				return
			}
		}
	})
	return o, err
}

func (s *fakeStore) GetOrderByCode(ctx context.Context, code string) (database.Order, error) {
	return s.findOrder(func(o database.Order) bool { return o.OrderCode == code })
}

func (s *fakeStore) GetOrderForUpdate(ctx context.Context, id int64) (database.Order, error) {
	return s.findOrder(func(o database.Order) bool { return o.ID == id })
}

func (s *fakeStore) GetOrderByCodeForUpdate(ctx context.Context, code string) (database.Order, error) {
	return s.GetOrderByCode(ctx, code)
}

func (s *fakeStore) GetOrderByReferenceForUpdate(ctx context.Context, ref string) (database.Order, error) {
	return s.findOrder(func(o database.Order) bool { return o.GatewayReference.Valid && o.GatewayReference.String == ref })
}

func (s *fakeStore) mutateOrder(id int64, fn func(o *database.Order) error) (o database.Order, err error) {
	s.with(func(st *fakeState) {
		cur, ok := st.orders[id]
		if !ok {
			err = pgx.ErrNoRows
			return
		}
		if err = fn(&cur); err != nil {
			return
		}
		cur.UpdatedAt = s.db.clock.Now()
		st.orders[id] = cur
		o = cur
	})
	return o, err
}

func (s *fakeStore) UpdateOrderGatewayCharge(ctx context.Context, arg database.UpdateOrderGatewayChargeParams) (database.Order, error) {
	return s.mutateOrder(arg.ID, func(o *database.Order) error {
		o.GatewayToken = arg.GatewayToken
		o.GatewayRedirectUrl = arg.GatewayRedirectUrl
		return nil
	})
}

func (s *fakeStore) UpdateOrderPayment(ctx context.Context, arg database.UpdateOrderPaymentParams) (database.Order, error) {
	return s.mutateOrder(arg.ID, func(o *database.Order) error {
		o.PaymentStatus = arg.PaymentStatus
		o.GatewayRawStatus = arg.GatewayRawStatus
		o.PaidAt = arg.PaidAt
		o.Status = arg.Status
		o.ConfirmationNotifiedAt = arg.ConfirmationNotifiedAt
		o.NeedsReview = arg.NeedsReview
		o.ReviewReason = arg.ReviewReason
		return nil
	})
}

func (s *fakeStore) CancelOrder(ctx context.Context, arg database.CancelOrderParams) (database.Order, error) {
	return s.mutateOrder(arg.ID, func(o *database.Order) error {
		if o.CancelledAt.Valid {
			return pgx.ErrNoRows
		}
		o.PaymentStatus = arg.PaymentStatus
		o.Status = database.OrderStatusCancelled
		o.CancelledAt = arg.CancelledAt
		return nil
	})
}

func (s *fakeStore) UpdateOrderStatus(ctx context.Context, arg database.UpdateOrderStatusParams) (database.Order, error) {
	return s.mutateOrder(arg.ID, func(o *database.Order) error {
		o.Status = arg.Status
		return nil
	})
}

func (s *fakeStore) ListExpirableOrderIDs(ctx context.Context, arg database.ListExpirableOrderIDsParams) (ids []int64, err error) {
	var orders []database.Order
	s.with(func(st *fakeState) {
		for _, o := range st.orders {
			if o.PaymentMethod == database.PaymentMethodGateway && o.PaymentStatus == database.PaymentStatusPending &&
				!o.CancelledAt.Valid && o.CreatedAt.Before(arg.CreatedBefore) {
				orders = append(orders, o)
			}
		}
	})
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	for i, o := range orders {
		if int32(i) >= arg.Limit {
			break
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (s *fakeStore) ListActiveOrdersByDate(ctx context.Context, d pgtype.Date) (out []database.Order, err error) {
	s.with(func(st *fakeState) {
		for _, o := range st.orders {
			if dateKey(o.QueueDate) == dateKey(d) &&
				(o.Status == database.OrderStatusWaiting || o.Status == database.OrderStatusAwaitingConfirmation) {
				out = append(out, o)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].QueueNumber < out[j].QueueNumber })
	return out, nil
}

func (s *fakeStore) ListOrdersNeedingReview(ctx context.Context, limit int32) (out []database.Order, err error) {
	s.with(func(st *fakeState) {
		for _, o := range st.orders {
			if o.NeedsReview {
				out = append(out, o)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Collaborators ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeGateway struct {
	mu        sync.Mutex
	chargeErr error
	status    gateway.Status
	statusErr error
	expireErr error
	charges   []gateway.ChargeRequest
	queried   []string
	expired   []string
}

func (g *fakeGateway) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (gateway.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, req)
	if g.chargeErr != nil {
		return gateway.Charge{}, g.chargeErr
	}
	return gateway.Charge{Token: "tok-" + req.Reference, RedirectURL: "https://pay.example/" + req.Reference}, nil
}

func (g *fakeGateway) QueryStatus(ctx context.Context, ref string) (gateway.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queried = append(g.queried, ref)
	return g.status, g.statusErr
}

func (g *fakeGateway) Expire(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expired = append(g.expired, ref)
	return g.expireErr
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, events ...notify.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, events...)
}

func (d *recordingDispatcher) count(typ string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ev := range d.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// --- Test helpers ---

func makeNumeric(val string) pgtype.Numeric {
	var n pgtype.Numeric
	_ = n.Scan(val)
	return n
}

func numericEquals(n pgtype.Numeric, expected string) bool {
	d := numericToDecimal(n)
	exp, _ := decimal.NewFromString(expected)
	return d.Equal(exp)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func product(id int64, name, price string, stock int32) database.Product {
	return database.Product{ID: id, Name: name, Price: makeNumeric(price), Stock: stock}
}

type harness struct {
	db         *fakeDB
	clock      *fakeClock
	gw         *fakeGateway
	events     *recordingDispatcher
	checkout   *CheckoutService
	reconciler *Reconciler
	sweeper    *Sweeper
	orders     *OrderService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock()
	db := newFakeDB(clock)
	gw := &fakeGateway{}
	events := &recordingDispatcher{}
	log := discardLogger()

	h := &harness{db: db, clock: clock, gw: gw, events: events}
	h.checkout = NewCheckoutService(db, fakeNewStore, gw, events, CheckoutConfig{}, log)
	h.checkout.now = clock.Now
	h.reconciler = NewReconciler(db, fakeNewStore, gw, events, "", time.Second, log)
	h.reconciler.now = clock.Now
	h.sweeper = NewSweeper(db, fakeNewStore, gw, events, SweeperConfig{}, log)
	h.sweeper.now = clock.Now
	h.orders = NewOrderService(db, fakeNewStore, events, log)
	h.orders.now = clock.Now
	return h
}

func cashRequest(email string, items ...CartItem) CheckoutRequest {
	return CheckoutRequest{
		CustomerEmail: email,
		CustomerName:  "Test Customer",
		Items:         items,
		PaymentMethod: database.PaymentMethodCash,
	}
}

func gatewayRequest(email string, items ...CartItem) CheckoutRequest {
	req := cashRequest(email, items...)
	req.PaymentMethod = database.PaymentMethodGateway
	return req
}
