package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yudhapratama/go-apparel-orders.git/internal/catalog"
)

// ---- in-memory fakes ----

type memCell struct {
	stock int
	price decimal.Decimal
	title string
	image string
}

type memLedger struct {
	mu          sync.Mutex
	cells       map[string]*memCell
	aggregates  map[string]int
	reads       int
	failRestock map[string]error // inject failures on positive deltas per cell key
}

func cellKey(pid, color, size string) string { return pid + "|" + color + "|" + size }

func newMemLedger() *memLedger {
	return &memLedger{
		cells:       map[string]*memCell{},
		aggregates:  map[string]int{},
		failRestock: map[string]error{},
	}
}

func (l *memLedger) put(pid, color, size string, stock int, price int64, title string) {
	l.cells[cellKey(pid, color, size)] = &memCell{
		stock: stock, price: decimal.NewFromInt(price), title: title, image: title + ".jpg",
	}
}

func (l *memLedger) ReadCell(ctx context.Context, pid, color, size string) (catalog.Cell, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	c, ok := l.cells[cellKey(pid, color, size)]
	if !ok {
		return catalog.Cell{}, &catalog.CellNotFoundError{ProductID: pid, Color: color, Size: size}
	}
	return catalog.Cell{
		ProductID: pid, Color: color, Size: size,
		Stock: c.stock, Price: c.price, Title: c.title, Image: c.image,
	}, nil
}

func (l *memLedger) ApplyDelta(ctx context.Context, pid, color, size string, delta int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.failRestock[cellKey(pid, color, size)]; ok && delta > 0 {
		return 0, err
	}
	c, ok := l.cells[cellKey(pid, color, size)]
	if !ok {
		return 0, &catalog.CellNotFoundError{ProductID: pid, Color: color, Size: size}
	}
	if c.stock+delta < 0 {
		return 0, &catalog.InsufficientStockError{
			ProductID: pid, Color: color, Size: size, Requested: -delta, Available: c.stock,
		}
	}
	c.stock += delta
	return c.stock, nil
}

func (l *memLedger) RecomputeAggregate(ctx context.Context, pid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum := 0
	for k, c := range l.cells {
		if len(k) > len(pid) && k[:len(pid)+1] == pid+"|" {
			sum += c.stock
		}
	}
	l.aggregates[pid] = sum
	return nil
}

func (l *memLedger) stock(pid, color, size string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cells[cellKey(pid, color, size)].stock
}

type memStore struct {
	mu         sync.Mutex
	orders     map[string]*Order
	failInsert bool
}

func newMemStore() *memStore { return &memStore{orders: map[string]*Order{}} }

func (s *memStore) Insert(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert {
		return errors.New("store down")
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) GetStatus(ctx context.Context, id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return "", ErrOrderNotFound
	}
	return o.Status, nil
}

func (s *memStore) ClaimCancel(ctx context.Context, id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status == StatusCancelled || o.IsDelivered {
		return false, nil
	}
	o.Status = StatusCancelled
	o.CancelReason = reason
	return true, nil
}

func (s *memStore) MarkDelivered(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status == StatusCancelled || o.IsDelivered {
		return false, nil
	}
	o.Status = StatusDelivered
	o.IsDelivered = true
	return true, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

type memPublisher struct {
	mu       sync.Mutex
	messages [][]byte
}

func (p *memPublisher) Publish(key, value []byte, headers ...kafkago.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, value)
}

func (p *memPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func newCoordinator(l *memLedger, s *memStore) (*Coordinator, *memPublisher) {
	pub := &memPublisher{}
	return &Coordinator{
		Ledger:            l,
		Store:             s,
		ProducerCreated:   pub,
		ProducerRejected:  pub,
		ProducerCancelled: pub,
		Service:           "test",
		Logger:            zerolog.Nop(),
	}, pub
}

func line(pid, color, size string, qty int) LineInput {
	return LineInput{ProductID: pid, Color: color, Size: size, Qty: qty}
}

// ---- placement ----

func TestPlaceOrderSnapshotsItems(t *testing.T) {
	ledger := newMemLedger()
	ledger.put("p1", "Red", "M", 5, 500, "Red Tee")
	store := newMemStore()
	coord, pub := newCoordinator(ledger, store)

	o, err := coord.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1",
		Items:  []LineInput{line("p1", "Red", "M", 2)},
	})
	require.NoError(t, err)
	require.Len(t, o.Items, 1)

	it := o.Items[0]
	assert.Equal(t, "p1", it.ProductID)
	assert.Equal(t, 2, it.Qty)
	assert.True(t, it.UnitPrice.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, "Red Tee", it.Title)
	assert.Equal(t, StatusCreated, o.Status)
	assert.False(t, o.IsPaid)

	assert.Equal(t, 3, ledger.stock("p1", "Red", "M"))
	assert.Equal(t, 3, ledger.aggregates["p1"])
	assert.Equal(t, 1, store.count())
	assert.Equal(t, 1, pub.count())
}

func TestPlaceOrderValidatesBeforeLedger(t *testing.T) {
	ledger := newMemLedger()
	store := newMemStore()
	coord, _ := newCoordinator(ledger, store)

	_, err := coord.PlaceOrder(context.Background(), PlaceOrderRequest{})
	assert.ErrorIs(t, err, ErrEmptyItems)

	_, err = coord.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []LineInput{{ProductID: "p1", Color: "Red", Size: "M", Qty: 0}},
	})
	assert.ErrorIs(t, err, ErrInvalidItem)

	assert.Equal(t, 0, ledger.reads, "malformed input must not touch the ledger")
	assert.Equal(t, 0, store.count())
}

func TestPlaceOrderCompensatesOnMidSequenceFailure(t *testing.T) {
	ledger := newMemLedger()
	ledger.put("p1", "Red", "M", 5, 500, "Red Tee")
	ledger.put("p1", "Blue", "L", 4, 600, "Red Tee")
	ledger.put("p2", "Black", "S", 0, 700, "Hoodie") // will fail
	store := newMemStore()
	coord, _ := newCoordinator(ledger, store)

	_, err := coord.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []LineInput{
			line("p1", "Red", "M", 1),
			line("p1", "Blue", "L", 2),
			line("p2", "Black", "S", 1),
		},
	})
	require.Error(t, err)
	var ins *catalog.InsufficientStockError
	require.ErrorAs(t, err, &ins)
	assert.Equal(t, "p2", ins.ProductID)

	// items 1-2 restored, no order persisted
	assert.Equal(t, 5, ledger.stock("p1", "Red", "M"))
	assert.Equal(t, 4, ledger.stock("p1", "Blue", "L"))
	assert.Equal(t, 0, ledger.stock("p2", "Black", "S"))
	assert.Equal(t, 0, store.count())
}

func TestPlaceOrderMissingVariant(t *testing.T) {
	ledger := newMemLedger()
	ledger.put("p1", "Red", "M", 5, 500, "Red Tee")
	store := newMemStore()
	coord, _ := newCoordinator(ledger, store)

	_, err := coord.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []LineInput{line("p1", "Green", "M", 1)},
	})
	var nf *catalog.CellNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "Green", nf.Color)
	assert.Equal(t, 0, store.count())
}

func TestPlaceOrderCompensatesWhenPersistFails(t *testing.T) {
	ledger := newMemLedger()
	ledger.put("p1", "Red", "M", 5, 500, "Red Tee")
	store := newMemStore()
	store.failInsert = true
	coord, _ := newCoordinator(ledger, store)

	_, err := coord.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []LineInput{line("p1", "Red", "M", 2)},
	})
	require.Error(t, err)
	assert.Equal(t, 5, ledger.stock("p1", "Red", "M"), "reservation must not survive a failed persist")
}

// ---- concurrency ----

func TestConcurrentLastUnit(t *testing.T) {
	ledger := newMemLedger()
	ledger.put("p1", "Red", "M", 1, 500, "Red Tee")
	store := newMemStore()
	coord, _ := newCoordinator(ledger, store)

	type result struct {
		o   *Order
		err error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := coord.PlaceOrder(context.Background(), PlaceOrderRequest{
				Items: []LineInput{line("p1", "Red", "M", 1)},
			})
			results <- result{o, err}
		}()
	}
	wg.Wait()
	close(results)

	var won, lost int
	for r := range results {
		if r.err == nil {
			won++
			require.Len(t, r.o.Items, 1)
			assert.True(t, r.o.Items[0].UnitPrice.Equal(decimal.NewFromInt(500)))
		} else {
			lost++
			var ins *catalog.InsufficientStockError
			assert.ErrorAs(t, r.err, &ins)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)
	assert.Equal(t, 0, ledger.stock("p1", "Red", "M"))
	assert.Equal(t, 1, store.count())
}

func TestNoOversell(t *testing.T) {
	const stock, attempts = 5, 20
	ledger := newMemLedger()
	ledger.put("p1", "Red", "M", stock, 500, "Red Tee")
	store := newMemStore()
	coord, _ := newCoordinator(ledger, store)

	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coord.PlaceOrder(context.Background(), PlaceOrderRequest{
				Items: []LineInput{line("p1", "Red", "M", 1)},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, stock, succeeded, "exactly min(N, S) attempts may succeed")
	assert.Equal(t, 0, ledger.stock("p1", "Red", "M"))
	assert.GreaterOrEqual(t, ledger.stock("p1", "Red", "M"), 0)
}

// ---- cancellation ----

func TestCancelRoundTrip(t *testing.T) {
	ledger := newMemLedger()
	ledger.put("p1", "Red", "M", 5, 500, "Red Tee")
	ledger.put("p1", "Red", "L", 7, 500, "Red Tee")
	store := newMemStore()
	coord, _ := newCoordinator(ledger, store)

	o, err := coord.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1",
		Items:  []LineInput{line("p1", "Red", "M", 2)},
	})
	require.NoError(t, err)
	require.Equal(t, 3, ledger.stock("p1", "Red", "M"))

	cancelled, err := coord.Cancel(context.Background(), o.ID, "changed my mind", Identity{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "changed my mind", cancelled.CancelReason)
	assert.NotNil(t, cancelled.CancelledAt)

	assert.Equal(t, 5, ledger.stock("p1", "Red", "M"))
	assert.Equal(t, 7, ledger.stock("p1", "Red", "L"), "other sizes untouched")
	assert.Equal(t, 12, ledger.aggregates["p1"])
}

func TestCancelTwice(t *testing.T) {
	ledger := newMemLedger()
	ledger.put("p1", "Red", "M", 1, 500, "Red Tee")
	store := newMemStore()
	coord, _ := newCoordinator(ledger, store)

	o, err := coord.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1",
		Items:  []LineInput{line("p1", "Red", "M", 1)},
	})
	require.NoError(t, err)

	_, err = coord.Cancel(context.Background(), o.ID, "first", Identity{ID: "u1"})
	require.NoError(t, err)
	require.Equal(t, 1, ledger.stock("p1", "Red", "M"))

	_, err = coord.Cancel(context.Background(), o.ID, "second", Identity{ID: "u1"})
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
	assert.Equal(t, 1, ledger.stock("p1", "Red", "M"), "no double restock")
}

func TestCancelSkipsVanishedCell(t *testing.T) {
	ledger := newMemLedger()
	ledger.put("p1", "Red", "M", 5, 500, "Red Tee")
	ledger.put("p1", "Red", "L", 5, 500, "Red Tee")
	store := newMemStore()
	coord, _ := newCoordinator(ledger, store)

	o, err := coord.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1",
		Items:  []LineInput{line("p1", "Red", "M", 1), line("p1", "Red", "L", 1)},
	})
	require.NoError(t, err)

	// variant removed from the catalog since purchase
	ledger.mu.Lock()
	delete(ledger.cells, cellKey("p1", "Red", "L"))
	ledger.mu.Unlock()

	cancelled, err := coord.Cancel(context.Background(), o.ID, "return", Identity{ID: "u1"})
	require.NoError(t, err, "cancellation must proceed past a vanished cell")
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 5, ledger.stock("p1", "Red", "M"))
}

func TestCancelAuthorization(t *testing.T) {
	ledger := newMemLedger()
	ledger.put("p1", "Red", "M", 5, 500, "Red Tee")
	store := newMemStore()
	coord, _ := newCoordinator(ledger, store)

	o, err := coord.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1",
		Items:  []LineInput{line("p1", "Red", "M", 1)},
	})
	require.NoError(t, err)

	_, err = coord.Cancel(context.Background(), o.ID, "not mine", Identity{ID: "u2"})
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, 4, ledger.stock("p1", "Red", "M"), "denied cancel must not restock")

	_, err = coord.Cancel(context.Background(), o.ID, "admin action", Identity{ID: "ops", IsAdmin: true})
	assert.NoError(t, err)
}

func TestCancelUnknownOrder(t *testing.T) {
	coord, _ := newCoordinator(newMemLedger(), newMemStore())
	_, err := coord.Cancel(context.Background(), "nope", "x", Identity{IsAdmin: true})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

// ---- delivery ----

func TestMarkDelivered(t *testing.T) {
	ledger := newMemLedger()
	ledger.put("p1", "Red", "M", 5, 500, "Red Tee")
	store := newMemStore()
	coord, _ := newCoordinator(ledger, store)

	o, err := coord.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1",
		Items:  []LineInput{line("p1", "Red", "M", 1)},
	})
	require.NoError(t, err)

	delivered, err := coord.MarkDelivered(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, delivered.IsDelivered)
	assert.Equal(t, StatusDelivered, delivered.Status)

	// delivered is terminal with respect to stock
	_, err = coord.Cancel(context.Background(), o.ID, "too late", Identity{ID: "u1"})
	assert.ErrorIs(t, err, ErrAlreadyDelivered)
	assert.Equal(t, 4, ledger.stock("p1", "Red", "M"))
}

func TestMarkDeliveredCancelledOrder(t *testing.T) {
	ledger := newMemLedger()
	ledger.put("p1", "Red", "M", 5, 500, "Red Tee")
	store := newMemStore()
	coord, _ := newCoordinator(ledger, store)

	o, err := coord.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1",
		Items:  []LineInput{line("p1", "Red", "M", 1)},
	})
	require.NoError(t, err)
	_, err = coord.Cancel(context.Background(), o.ID, "x", Identity{ID: "u1"})
	require.NoError(t, err)

	_, err = coord.MarkDelivered(context.Background(), o.ID)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
}

// ---- aggregates ----

func TestAggregateConsistency(t *testing.T) {
	ledger := newMemLedger()
	ledger.put("p1", "Red", "M", 5, 500, "Red Tee")
	ledger.put("p1", "Red", "L", 3, 500, "Red Tee")
	ledger.put("p1", "Blue", "M", 2, 500, "Red Tee")
	store := newMemStore()
	coord, _ := newCoordinator(ledger, store)

	var placed []*Order
	for i := 0; i < 3; i++ {
		o, err := coord.PlaceOrder(context.Background(), PlaceOrderRequest{
			UserID: "u1",
			Items:  []LineInput{line("p1", "Red", "M", 1), line("p1", "Blue", "M", 1)},
		})
		if err != nil {
			break
		}
		placed = append(placed, o)
	}
	require.NotEmpty(t, placed)
	_, err := coord.Cancel(context.Background(), placed[0].ID, "x", Identity{ID: "u1"})
	require.NoError(t, err)

	sum := ledger.stock("p1", "Red", "M") + ledger.stock("p1", "Red", "L") + ledger.stock("p1", "Blue", "M")
	assert.Equal(t, sum, ledger.aggregates["p1"])
}

// ---- degraded compensation ----

func TestCompensationFailureKeepsOriginalError(t *testing.T) {
	ledger := newMemLedger()
	ledger.put("p1", "Red", "M", 5, 500, "Red Tee")
	ledger.put("p2", "Black", "S", 0, 700, "Hoodie")
	ledger.failRestock[cellKey("p1", "Red", "M")] = fmt.Errorf("store unavailable")
	store := newMemStore()
	coord, _ := newCoordinator(ledger, store)

	// first line reserves, second line fails, and the compensating restock of
	// the first line fails too
	_, err := coord.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []LineInput{line("p1", "Red", "M", 1), line("p2", "Black", "S", 1)},
	})
	var ins *catalog.InsufficientStockError
	require.ErrorAs(t, err, &ins, "caller sees the business error, not the compensation failure")
	assert.Equal(t, "p2", ins.ProductID)
	assert.Equal(t, 0, store.count())
}
