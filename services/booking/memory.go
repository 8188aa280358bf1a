package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository implementa Repository inteiramente em memória. Serve
// de dublê nos testes e como backend para rodar o serviço sem Postgres.
// Um único mutex é mantido pelo Tx do begin ao commit/rollback, então
// toda transação em memória observa e muta estado isolada das demais,
// e o rollback desfaz as mutações pelo journal em ordem inversa.
type MemoryRepository struct {
	mu            sync.Mutex
	items         map[int64]*Item
	bookings      map[int64]*Booking
	movements     []StockMovement
	nextItemID    int64
	nextBookingID int64
}

// NewMemoryRepository cria uma nova instância de MemoryRepository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		items:    make(map[int64]*Item),
		bookings: make(map[int64]*Booking),
	}
}

type memoryTx struct {
	repo *MemoryRepository
	undo []func()
	done bool
}

func (t *memoryTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.undo = nil
	t.repo.mu.Unlock()
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.repo.mu.Unlock()
	return nil
}

// BeginTx adquire o lock global até Commit ou Rollback
func (r *MemoryRepository) BeginTx(ctx context.Context) (Tx, error) {
	r.mu.Lock()
	return &memoryTx{repo: r}, nil
}

// SeedItem insere um item e devolve o ID atribuído (auxiliar de testes e seed)
func (r *MemoryRepository) SeedItem(item Item) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextItemID++
	item.ID = r.nextItemID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	r.items[item.ID] = &item
	return item.ID
}

// Movements devolve uma cópia do histórico de movimentações (auxiliar de testes)
func (r *MemoryRepository) Movements() []StockMovement {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StockMovement, len(r.movements))
	copy(out, r.movements)
	return out
}

func (r *MemoryRepository) GetItem(ctx context.Context, itemID int64) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, exists := r.items[itemID]
	if !exists {
		return nil, ErrNoSuchItem
	}
	copied := *item
	return &copied, nil
}

func (r *MemoryRepository) SearchItems(ctx context.Context, substring string) ([]Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := []Item{}
	for id := int64(1); id <= r.nextItemID; id++ {
		item, exists := r.items[id]
		if !exists {
			continue
		}
		if strings.Contains(item.Name, substring) {
			items = append(items, *item)
		}
	}
	return items, nil
}

func (r *MemoryRepository) GetItemForUpdate(ctx context.Context, tx Tx, itemID int64) (*Item, error) {
	item, exists := r.items[itemID]
	if !exists {
		return nil, ErrNoSuchItem
	}
	copied := *item
	return &copied, nil
}

func (r *MemoryRepository) ReserveStock(ctx context.Context, tx Tx, itemID int64, quantity int, bookingID int64) error {
	mtx := tx.(*memoryTx)

	item, exists := r.items[itemID]
	if !exists {
		return ErrNoSuchItem
	}
	if item.Available < quantity {
		return ErrInsufficientStock
	}

	item.Available -= quantity
	r.movements = append(r.movements, StockMovement{
		ID:        uuid.New().String(),
		ItemID:    itemID,
		BookingID: bookingID,
		Change:    -quantity,
		Type:      MovementTypeReserve,
		CreatedAt: time.Now().UTC(),
	})
	mtx.undo = append(mtx.undo, func() {
		item.Available += quantity
		r.movements = r.movements[:len(r.movements)-1]
	})
	return nil
}

func (r *MemoryRepository) ReleaseStock(ctx context.Context, tx Tx, itemID int64, quantity int, bookingID int64) error {
	mtx := tx.(*memoryTx)

	item, exists := r.items[itemID]
	if !exists {
		return ErrNoSuchItem
	}

	item.Available += quantity
	r.movements = append(r.movements, StockMovement{
		ID:        uuid.New().String(),
		ItemID:    itemID,
		BookingID: bookingID,
		Change:    quantity,
		Type:      MovementTypeRelease,
		CreatedAt: time.Now().UTC(),
	})
	mtx.undo = append(mtx.undo, func() {
		item.Available -= quantity
		r.movements = r.movements[:len(r.movements)-1]
	})
	return nil
}

func (r *MemoryRepository) InsertBooking(ctx context.Context, tx Tx, itemID int64, quantity int) (*Booking, error) {
	mtx := tx.(*memoryTx)

	if _, exists := r.items[itemID]; !exists {
		return nil, ErrNoSuchItem
	}

	r.nextBookingID++
	now := time.Now().UTC()
	booking := &Booking{
		ID:        r.nextBookingID,
		ItemID:    itemID,
		Quantity:  quantity,
		Status:    BookingStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.bookings[booking.ID] = booking
	mtx.undo = append(mtx.undo, func() {
		delete(r.bookings, booking.ID)
	})

	copied := *booking
	return &copied, nil
}

func (r *MemoryRepository) GetBooking(ctx context.Context, bookingID int64) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	booking, exists := r.bookings[bookingID]
	if !exists {
		return nil, ErrNoSuchBooking
	}
	copied := *booking
	return &copied, nil
}

func (r *MemoryRepository) TransitionIfPending(ctx context.Context, tx Tx, bookingID int64, newStatus string) (*Booking, error) {
	mtx := tx.(*memoryTx)

	booking, exists := r.bookings[bookingID]
	if !exists || booking.Status != BookingStatusPending {
		return nil, nil
	}

	prevStatus := booking.Status
	prevUpdated := booking.UpdatedAt
	booking.Status = newStatus
	booking.UpdatedAt = time.Now().UTC()
	mtx.undo = append(mtx.undo, func() {
		booking.Status = prevStatus
		booking.UpdatedAt = prevUpdated
	})

	copied := *booking
	return &copied, nil
}

func (r *MemoryRepository) ListPendingBookings(ctx context.Context) ([]*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var bookings []*Booking
	for id := int64(1); id <= r.nextBookingID; id++ {
		booking, exists := r.bookings[id]
		if !exists || booking.Status != BookingStatusPending {
			continue
		}
		copied := *booking
		bookings = append(bookings, &copied)
	}
	return bookings, nil
}
