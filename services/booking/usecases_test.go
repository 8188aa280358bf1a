package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// stubScheduler registra os timers armados/desarmados sem disparar nada
type stubScheduler struct {
	mu       sync.Mutex
	armed    []int64
	disarmed []int64
}

func (s *stubScheduler) Arm(bookingID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = append(s.armed, bookingID)
}

func (s *stubScheduler) Disarm(bookingID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmed = append(s.disarmed, bookingID)
}

func newTestUseCase(t *testing.T, available int) (*BookingUseCase, *MemoryRepository, *stubScheduler, int64) {
	t.Helper()
	repo := NewMemoryRepository()
	itemID := repo.SeedItem(Item{Name: "biba", Available: available, Coordinates: "123.52;74.81"})
	scheduler := &stubScheduler{}
	uc := NewBookingUseCase(repo, scheduler, 48*time.Hour, nil)
	return uc, repo, scheduler, itemID
}

func availableOf(t *testing.T, repo *MemoryRepository, itemID int64) int {
	t.Helper()
	item, err := repo.GetItem(context.Background(), itemID)
	require.NoError(t, err)
	return item.Available
}

// flakyRepository injeta falhas de serialização nas primeiras failures
// chamadas de TransitionIfPending
type flakyRepository struct {
	*MemoryRepository
	mu       sync.Mutex
	failures int
	attempts int
}

func (r *flakyRepository) TransitionIfPending(ctx context.Context, tx Tx, bookingID int64, newStatus string) (*Booking, error) {
	r.mu.Lock()
	r.attempts++
	fail := r.attempts <= r.failures
	r.mu.Unlock()
	if fail {
		return nil, &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	}
	return r.MemoryRepository.TransitionIfPending(ctx, tx, bookingID, newStatus)
}

func TestCancel_RetriesSerializationFailures(t *testing.T) {
	memory := NewMemoryRepository()
	itemID := memory.SeedItem(Item{Name: "biba", Available: 1000})
	repo := &flakyRepository{MemoryRepository: memory, failures: 2}
	uc := NewBookingUseCase(repo, &stubScheduler{}, 48*time.Hour, nil)
	ctx := context.Background()

	confirmation, err := uc.Book(ctx, itemID, 10)
	require.NoError(t, err)

	err = uc.Cancel(ctx, confirmation.BookingID)
	require.NoError(t, err, "serialization failures within the retry budget must be absorbed")
	assert.Equal(t, 3, repo.attempts)

	assert.Equal(t, 1000, availableOf(t, memory, itemID))
	booking, err := memory.GetBooking(ctx, confirmation.BookingID)
	require.NoError(t, err)
	assert.Equal(t, BookingStatusCanceled, booking.Status)
}

func TestCancel_SurfacesTransientAfterRetryBudget(t *testing.T) {
	memory := NewMemoryRepository()
	itemID := memory.SeedItem(Item{Name: "biba", Available: 1000})
	repo := &flakyRepository{MemoryRepository: memory, failures: maxTxRetries + 1}
	uc := NewBookingUseCase(repo, &stubScheduler{}, 48*time.Hour, nil)
	ctx := context.Background()

	confirmation, err := uc.Book(ctx, itemID, 10)
	require.NoError(t, err)

	err = uc.Cancel(ctx, confirmation.BookingID)
	require.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, maxTxRetries, repo.attempts)

	// nada mudou: a reserva segue pendente e o estoque segue alocado
	assert.Equal(t, 990, availableOf(t, memory, itemID))
	booking, err := memory.GetBooking(ctx, confirmation.BookingID)
	require.NoError(t, err)
	assert.Equal(t, BookingStatusPending, booking.Status)
}

func TestBook_ReservesStockAndArmsTimer(t *testing.T) {
	uc, repo, scheduler, itemID := newTestUseCase(t, 1000)
	ctx := context.Background()

	confirmation, err := uc.Book(ctx, itemID, 100)
	require.NoError(t, err)
	assert.Equal(t, "123.52;74.81", confirmation.Address)
	assert.NotEmpty(t, confirmation.AvailableDate)

	assert.Equal(t, 900, availableOf(t, repo, itemID))

	booking, err := repo.GetBooking(ctx, confirmation.BookingID)
	require.NoError(t, err)
	assert.Equal(t, BookingStatusPending, booking.Status)
	assert.Equal(t, 100, booking.Quantity)

	assert.Equal(t, []int64{confirmation.BookingID}, scheduler.armed)
}

func TestBook_InvalidQuantity(t *testing.T) {
	uc, repo, _, itemID := newTestUseCase(t, 1000)

	_, err := uc.Book(context.Background(), itemID, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = uc.Book(context.Background(), itemID, -5)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	assert.Equal(t, 1000, availableOf(t, repo, itemID))
}

func TestBook_NoSuchItem(t *testing.T) {
	uc, _, _, _ := newTestUseCase(t, 1000)

	_, err := uc.Book(context.Background(), 999, 1)
	assert.ErrorIs(t, err, ErrNoSuchItem)
}

// Scenario: reservar exatamente todo o estoque funciona, a próxima unidade não
func TestBook_InsufficientStock(t *testing.T) {
	uc, repo, _, itemID := newTestUseCase(t, 1000)
	ctx := context.Background()

	_, err := uc.Book(ctx, itemID, 1000)
	require.NoError(t, err)
	assert.Equal(t, 0, availableOf(t, repo, itemID))

	_, err = uc.Book(ctx, itemID, 1)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 0, availableOf(t, repo, itemID), "failed booking must not touch the stock")
}

// Scenario: confirmar mantém o estoque alocado para sempre
func TestConfirm_KeepsStockAllocated(t *testing.T) {
	uc, repo, scheduler, itemID := newTestUseCase(t, 1000)
	ctx := context.Background()

	confirmation, err := uc.Book(ctx, itemID, 100)
	require.NoError(t, err)

	require.NoError(t, uc.Confirm(ctx, confirmation.BookingID))

	booking, err := repo.GetBooking(ctx, confirmation.BookingID)
	require.NoError(t, err)
	assert.Equal(t, BookingStatusConfirmed, booking.Status)
	assert.Equal(t, 900, availableOf(t, repo, itemID))
	assert.Equal(t, []int64{confirmation.BookingID}, scheduler.disarmed)

	// estado terminal: cancelar depois de confirmar não devolve estoque
	err = uc.Cancel(ctx, confirmation.BookingID)
	assert.ErrorIs(t, err, ErrNotCancelable)
	assert.Equal(t, 900, availableOf(t, repo, itemID))
}

// Scenario: cancelar devolve o estoque e a reserva não é mais resolvível
func TestCancel_RestoresStockExactlyOnce(t *testing.T) {
	uc, repo, _, itemID := newTestUseCase(t, 1000)
	ctx := context.Background()

	confirmation, err := uc.Book(ctx, itemID, 50)
	require.NoError(t, err)
	assert.Equal(t, 950, availableOf(t, repo, itemID))

	require.NoError(t, uc.Cancel(ctx, confirmation.BookingID))
	assert.Equal(t, 1000, availableOf(t, repo, itemID))

	// segundo cancelamento é rejeitado e não libera estoque de novo
	err = uc.Cancel(ctx, confirmation.BookingID)
	assert.ErrorIs(t, err, ErrNotCancelable)
	assert.Equal(t, 1000, availableOf(t, repo, itemID))

	err = uc.Confirm(ctx, confirmation.BookingID)
	assert.ErrorIs(t, err, ErrNotConfirmable)
}

func TestCancel_UnknownBooking(t *testing.T) {
	uc, _, _, _ := newTestUseCase(t, 1000)

	err := uc.Cancel(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrNotCancelable)
}

// Expire é idempotente: expirar duas vezes libera o estoque uma vez só,
// e expirar uma reserva já resolvida é um no-op sem erro
func TestExpire_IdempotentRelease(t *testing.T) {
	uc, repo, _, itemID := newTestUseCase(t, 1000)
	ctx := context.Background()

	confirmation, err := uc.Book(ctx, itemID, 30)
	require.NoError(t, err)
	assert.Equal(t, 970, availableOf(t, repo, itemID))

	require.NoError(t, uc.Expire(ctx, confirmation.BookingID))
	assert.Equal(t, 1000, availableOf(t, repo, itemID))

	booking, err := repo.GetBooking(ctx, confirmation.BookingID)
	require.NoError(t, err)
	assert.Equal(t, BookingStatusCanceled, booking.Status)

	require.NoError(t, uc.Expire(ctx, confirmation.BookingID))
	assert.Equal(t, 1000, availableOf(t, repo, itemID))

	err = uc.Confirm(ctx, confirmation.BookingID)
	assert.ErrorIs(t, err, ErrNotConfirmable)
}

func TestExpire_AfterConfirmIsNoOp(t *testing.T) {
	uc, repo, _, itemID := newTestUseCase(t, 1000)
	ctx := context.Background()

	confirmation, err := uc.Book(ctx, itemID, 10)
	require.NoError(t, err)
	require.NoError(t, uc.Confirm(ctx, confirmation.BookingID))

	require.NoError(t, uc.Expire(ctx, confirmation.BookingID))

	booking, err := repo.GetBooking(ctx, confirmation.BookingID)
	require.NoError(t, err)
	assert.Equal(t, BookingStatusConfirmed, booking.Status)
	assert.Equal(t, 990, availableOf(t, repo, itemID), "confirmed stock stays allocated")
}

// Cancelamento manual, confirmação e expiração disparados ao mesmo tempo:
// exatamente um vence, os demais observam a reserva já resolvida
func TestConcurrentResolution_ExactlyOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		uc, repo, _, itemID := newTestUseCase(t, 1000)
		ctx := context.Background()

		confirmation, err := uc.Book(ctx, itemID, 100)
		require.NoError(t, err)
		bookingID := confirmation.BookingID

		var wg sync.WaitGroup
		var cancelErr, confirmErr error
		start := make(chan struct{})

		wg.Add(3)
		go func() {
			defer wg.Done()
			<-start
			cancelErr = uc.Cancel(ctx, bookingID)
		}()
		go func() {
			defer wg.Done()
			<-start
			confirmErr = uc.Confirm(ctx, bookingID)
		}()
		go func() {
			defer wg.Done()
			<-start
			_ = uc.Expire(ctx, bookingID)
		}()
		close(start)
		wg.Wait()

		booking, err := repo.GetBooking(ctx, bookingID)
		require.NoError(t, err)

		switch booking.Status {
		case BookingStatusConfirmed:
			require.NoError(t, confirmErr)
			require.ErrorIs(t, cancelErr, ErrNotCancelable)
			assert.Equal(t, 900, availableOf(t, repo, itemID))
		case BookingStatusCanceled:
			require.ErrorIs(t, confirmErr, ErrNotConfirmable)
			assert.Equal(t, 1000, availableOf(t, repo, itemID), "stock released exactly once")
		default:
			t.Fatalf("booking left in non-terminal status %s", booking.Status)
		}
	}
}

// Muitas reservas concorrentes no mesmo item nunca ultrapassam o estoque
func TestConcurrentBookings_NoOverReservation(t *testing.T) {
	const stock = 10
	const attempts = 50

	uc, repo, _, itemID := newTestUseCase(t, stock)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			if _, err := uc.Book(ctx, itemID, 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, stock, succeeded)
	assert.Equal(t, 0, availableOf(t, repo, itemID))
}

// Conservação: available + soma das quantidades pending/confirmed == alocação original
func TestConservationInvariant(t *testing.T) {
	const initial = 500
	uc, repo, _, itemID := newTestUseCase(t, initial)
	ctx := context.Background()

	var bookings []int64
	for i := 0; i < 10; i++ {
		confirmation, err := uc.Book(ctx, itemID, 7)
		require.NoError(t, err)
		bookings = append(bookings, confirmation.BookingID)
	}
	require.NoError(t, uc.Confirm(ctx, bookings[0]))
	require.NoError(t, uc.Confirm(ctx, bookings[1]))
	require.NoError(t, uc.Cancel(ctx, bookings[2]))
	require.NoError(t, uc.Expire(ctx, bookings[3]))

	held := 0
	for _, id := range bookings {
		booking, err := repo.GetBooking(ctx, id)
		require.NoError(t, err)
		if booking.Status == BookingStatusPending || booking.Status == BookingStatusConfirmed {
			held += booking.Quantity
		}
	}
	assert.Equal(t, initial, availableOf(t, repo, itemID)+held)
}

// Integração com o scheduler real: a reserva expira sozinha depois do prazo
func TestAutoExpiry(t *testing.T) {
	repo := NewMemoryRepository()
	itemID := repo.SeedItem(Item{Name: "biba", Available: 1000})
	scheduler := NewExpiryScheduler(30 * time.Millisecond)
	defer scheduler.Shutdown()
	uc := NewBookingUseCase(repo, scheduler, 48*time.Hour, nil)
	scheduler.Bind(uc.Expire)
	ctx := context.Background()

	confirmation, err := uc.Book(ctx, itemID, 30)
	require.NoError(t, err)
	assert.Equal(t, 970, availableOf(t, repo, itemID))

	require.Eventually(t, func() bool {
		booking, err := repo.GetBooking(ctx, confirmation.BookingID)
		return err == nil && booking.Status == BookingStatusCanceled
	}, 2*time.Second, 10*time.Millisecond, "booking should auto-expire")

	assert.Equal(t, 1000, availableOf(t, repo, itemID))

	err = uc.Confirm(ctx, confirmation.BookingID)
	assert.ErrorIs(t, err, ErrNotConfirmable)
}

// Mocks no estilo testify para verificar o contrato transacional

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) BeginTx(ctx context.Context) (Tx, error) {
	args := m.Called(ctx)
	return args.Get(0).(Tx), args.Error(1)
}

func (m *MockRepository) GetItem(ctx context.Context, itemID int64) (*Item, error) {
	args := m.Called(ctx, itemID)
	return args.Get(0).(*Item), args.Error(1)
}

func (m *MockRepository) SearchItems(ctx context.Context, substring string) ([]Item, error) {
	args := m.Called(ctx, substring)
	return args.Get(0).([]Item), args.Error(1)
}

func (m *MockRepository) GetItemForUpdate(ctx context.Context, tx Tx, itemID int64) (*Item, error) {
	args := m.Called(ctx, tx, itemID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Item), args.Error(1)
}

func (m *MockRepository) ReserveStock(ctx context.Context, tx Tx, itemID int64, quantity int, bookingID int64) error {
	args := m.Called(ctx, tx, itemID, quantity, bookingID)
	return args.Error(0)
}

func (m *MockRepository) ReleaseStock(ctx context.Context, tx Tx, itemID int64, quantity int, bookingID int64) error {
	args := m.Called(ctx, tx, itemID, quantity, bookingID)
	return args.Error(0)
}

func (m *MockRepository) InsertBooking(ctx context.Context, tx Tx, itemID int64, quantity int) (*Booking, error) {
	args := m.Called(ctx, tx, itemID, quantity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Booking), args.Error(1)
}

func (m *MockRepository) GetBooking(ctx context.Context, bookingID int64) (*Booking, error) {
	args := m.Called(ctx, bookingID)
	return args.Get(0).(*Booking), args.Error(1)
}

func (m *MockRepository) TransitionIfPending(ctx context.Context, tx Tx, bookingID int64, newStatus string) (*Booking, error) {
	args := m.Called(ctx, tx, bookingID, newStatus)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Booking), args.Error(1)
}

func (m *MockRepository) ListPendingBookings(ctx context.Context) ([]*Booking, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*Booking), args.Error(1)
}

type MockTx struct {
	mock.Mock
}

func (m *MockTx) Commit() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockTx) Rollback() error {
	args := m.Called()
	return args.Error(0)
}

// A reserva de estoque e o insert da reserva são uma unidade atômica:
// se o decremento falhar depois do insert, nada é comitado
func TestBook_RollsBackOnPartialFailure(t *testing.T) {
	mockRepo := new(MockRepository)
	mockTx := new(MockTx)
	ctx := context.Background()

	item := &Item{ID: 1, Name: "biba", Available: 100}
	booking := &Booking{ID: 7, ItemID: 1, Quantity: 10, Status: BookingStatusPending, CreatedAt: time.Now()}

	mockRepo.On("BeginTx", ctx).Return(mockTx, nil)
	mockRepo.On("GetItemForUpdate", ctx, mockTx, int64(1)).Return(item, nil)
	mockRepo.On("InsertBooking", ctx, mockTx, int64(1), 10).Return(booking, nil)
	mockRepo.On("ReserveStock", ctx, mockTx, int64(1), 10, int64(7)).Return(assert.AnError)
	mockTx.On("Rollback").Return(nil)

	uc := NewBookingUseCase(mockRepo, &stubScheduler{}, 48*time.Hour, nil)

	_, err := uc.Book(ctx, 1, 10)
	require.Error(t, err)

	mockTx.AssertCalled(t, "Rollback")
	mockTx.AssertNotCalled(t, "Commit")
	mockRepo.AssertExpectations(t)
}

// O release só acontece se a transição condicionada venceu
func TestCancel_NoReleaseWhenTransitionLoses(t *testing.T) {
	mockRepo := new(MockRepository)
	mockTx := new(MockTx)
	ctx := context.Background()

	mockRepo.On("BeginTx", ctx).Return(mockTx, nil)
	mockRepo.On("TransitionIfPending", ctx, mockTx, int64(7), BookingStatusCanceled).Return(nil, nil)
	mockTx.On("Rollback").Return(nil)

	uc := NewBookingUseCase(mockRepo, &stubScheduler{}, 48*time.Hour, nil)

	err := uc.Cancel(ctx, 7)
	assert.ErrorIs(t, err, ErrNotCancelable)

	mockRepo.AssertNotCalled(t, "ReleaseStock", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	mockTx.AssertNotCalled(t, "Commit")
}
