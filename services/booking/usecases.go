package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Scheduler define o que o use case precisa do agendador de expiração
type Scheduler interface {
	Arm(bookingID int64)
	Disarm(bookingID int64)
}

const (
	maxTxRetries   = 3
	txRetryBackoff = 50 * time.Millisecond
)

// BookingUseCase orquestra o ciclo de vida das reservas: compõe as
// operações do ledger de estoque e do booking store em transações únicas
// e arma o timer de expiração de cada reserva criada.
type BookingUseCase struct {
	repository Repository
	scheduler  Scheduler
	leadTime   time.Duration

	bookingsCreated   metric.Int64Counter
	bookingsConfirmed metric.Int64Counter
	bookingsCanceled  metric.Int64Counter
	bookingsExpired   metric.Int64Counter
}

// NewBookingUseCase cria uma nova instância de BookingUseCase
func NewBookingUseCase(repository Repository, scheduler Scheduler, leadTime time.Duration, meter metric.Meter) *BookingUseCase {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("booking-service")
	}
	created, _ := meter.Int64Counter("bookings_created_total")
	confirmed, _ := meter.Int64Counter("bookings_confirmed_total")
	canceled, _ := meter.Int64Counter("bookings_canceled_total")
	expired, _ := meter.Int64Counter("bookings_expired_total")

	return &BookingUseCase{
		repository:        repository,
		scheduler:         scheduler,
		leadTime:          leadTime,
		bookingsCreated:   created,
		bookingsConfirmed: confirmed,
		bookingsCanceled:  canceled,
		bookingsExpired:   expired,
	}
}

// Book reserva quantity unidades de um item e cria a reserva pending.
// Decremento de estoque e insert da reserva executam na mesma transação:
// qualquer falha parcial desfaz tudo. O timer de expiração só é armado
// depois do commit.
func (uc *BookingUseCase) Book(ctx context.Context, itemID int64, quantity int) (*BookingConfirmation, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	var booking *Booking
	var item *Item
	err := uc.withRetry(ctx, func(ctx context.Context) error {
		tx, err := uc.repository.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		item, err = uc.repository.GetItemForUpdate(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if item.Available < quantity {
			log.Printf("❌ [BOOK] Insufficient stock for item %d: available=%d, requested=%d",
				itemID, item.Available, quantity)
			return ErrInsufficientStock
		}

		booking, err = uc.repository.InsertBooking(ctx, tx, itemID, quantity)
		if err != nil {
			return err
		}
		if err := uc.repository.ReserveStock(ctx, tx, itemID, quantity, booking.ID); err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	uc.scheduler.Arm(booking.ID)
	uc.bookingsCreated.Add(ctx, 1)
	log.Printf("✅ [BOOK] Reserved %d unit(s) of item %d, booking %d", quantity, itemID, booking.ID)

	return &BookingConfirmation{
		BookingID:     booking.ID,
		Address:       item.Coordinates,
		AvailableDate: fulfillmentDate(booking.CreatedAt, uc.leadTime),
	}, nil
}

// Cancel cancela uma reserva ainda pendente e devolve o estoque. A
// transição condicionada e o release executam na mesma transação, então o
// estoque é devolvido exatamente uma vez por reserva.
func (uc *BookingUseCase) Cancel(ctx context.Context, bookingID int64) error {
	err := uc.withRetry(ctx, func(ctx context.Context) error {
		return uc.cancelTx(ctx, bookingID)
	})
	if err != nil {
		return err
	}

	uc.scheduler.Disarm(bookingID)
	uc.bookingsCanceled.Add(ctx, 1)
	log.Printf("✅ [CANCEL] Canceled booking %d", bookingID)
	return nil
}

// Confirm confirma uma reserva ainda pendente. O estoque continua alocado.
func (uc *BookingUseCase) Confirm(ctx context.Context, bookingID int64) error {
	err := uc.withRetry(ctx, func(ctx context.Context) error {
		tx, err := uc.repository.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		booking, err := uc.repository.TransitionIfPending(ctx, tx, bookingID, BookingStatusConfirmed)
		if err != nil {
			return err
		}
		if booking == nil {
			return ErrNotConfirmable
		}

		return tx.Commit()
	})
	if err != nil {
		return err
	}

	uc.scheduler.Disarm(bookingID)
	uc.bookingsConfirmed.Add(ctx, 1)
	log.Printf("✅ [CONFIRM] Confirmed booking %d", bookingID)
	return nil
}

// Expire é o caminho de cancelamento automático, invocado apenas pelo
// agendador. Funcionalmente idêntico a Cancel, mas uma reserva já
// resolvida é um no-op silencioso, não um erro: quem chegou primeiro na
// transição condicionada venceu.
func (uc *BookingUseCase) Expire(ctx context.Context, bookingID int64) error {
	err := uc.withRetry(ctx, func(ctx context.Context) error {
		return uc.cancelTx(ctx, bookingID)
	})
	if errors.Is(err, ErrNotCancelable) {
		log.Printf("ℹ️ [EXPIRE] Booking %d already resolved, nothing to expire", bookingID)
		return nil
	}
	if err != nil {
		return err
	}

	uc.bookingsExpired.Add(ctx, 1)
	log.Printf("⏰ [EXPIRE] Expired booking %d", bookingID)
	return nil
}

// cancelTx executa a transição pending->canceled e o release do estoque
// numa única transação
func (uc *BookingUseCase) cancelTx(ctx context.Context, bookingID int64) error {
	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	booking, err := uc.repository.TransitionIfPending(ctx, tx, bookingID, BookingStatusCanceled)
	if err != nil {
		return err
	}
	if booking == nil {
		return ErrNotCancelable
	}

	if err := uc.repository.ReleaseStock(ctx, tx, booking.ItemID, booking.Quantity, booking.ID); err != nil {
		return err
	}

	return tx.Commit()
}

// GetItem busca um item pelo ID, servindo a consulta direta de item
func (uc *BookingUseCase) GetItem(ctx context.Context, itemID int64) (*Item, error) {
	return uc.repository.GetItem(ctx, itemID)
}

// SearchItems busca itens por substring do nome
func (uc *BookingUseCase) SearchItems(ctx context.Context, substring string) ([]Item, error) {
	return uc.repository.SearchItems(ctx, substring)
}

// withRetry reexecuta a operação diante de falhas transitórias de
// serialização (SQLSTATE 40001/40P01) um número limitado de vezes. Erros
// de negócio passam direto.
func (uc *BookingUseCase) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= maxTxRetries; attempt++ {
		err = op(ctx)
		if err == nil || !isRetryable(err) {
			return err
		}
		log.Printf("⏳ Transient storage failure (attempt %d/%d): %v", attempt, maxTxRetries, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * txRetryBackoff):
		}
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure e deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
