package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx interface para transações
type Tx interface {
	Commit() error
	Rollback() error
}

// Repository define as operações de banco do serviço de reservas.
// O lado de itens é o ledger de estoque; o lado de bookings é o booking
// store. As operações que recebem Tx só são atômicas entre si dentro da
// mesma transação - o use case compõe e comita.
type Repository interface {
	BeginTx(ctx context.Context) (Tx, error)

	// ledger de estoque
	GetItem(ctx context.Context, itemID int64) (*Item, error)
	SearchItems(ctx context.Context, substring string) ([]Item, error)
	GetItemForUpdate(ctx context.Context, tx Tx, itemID int64) (*Item, error)
	ReserveStock(ctx context.Context, tx Tx, itemID int64, quantity int, bookingID int64) error
	ReleaseStock(ctx context.Context, tx Tx, itemID int64, quantity int, bookingID int64) error

	// booking store
	InsertBooking(ctx context.Context, tx Tx, itemID int64, quantity int) (*Booking, error)
	GetBooking(ctx context.Context, bookingID int64) (*Booking, error)
	TransitionIfPending(ctx context.Context, tx Tx, bookingID int64, newStatus string) (*Booking, error)
	ListPendingBookings(ctx context.Context) ([]*Booking, error)
}

// PostgresRepository implementa Repository usando PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository cria uma nova instância de PostgresRepository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// PostgresTx implementa a interface Tx
type PostgresTx struct {
	tx pgx.Tx
}

func (t *PostgresTx) Commit() error {
	return t.tx.Commit(context.Background())
}

func (t *PostgresTx) Rollback() error {
	return t.tx.Rollback(context.Background())
}

// BeginTx inicia uma nova transação
func (r *PostgresRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &PostgresTx{tx: tx}, nil
}

// GetItem busca um item pelo ID
func (r *PostgresRepository) GetItem(ctx context.Context, itemID int64) (*Item, error) {
	var item Item
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, weight, volume, available, price, image_url, street_address, coordinates, created_at
		FROM items WHERE id = $1
	`, itemID).Scan(
		&item.ID, &item.Name, &item.Weight, &item.Volume, &item.Available,
		&item.Price, &item.ImageURL, &item.StreetAddress, &item.Coordinates, &item.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSuchItem
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &item, nil
}

// SearchItems busca itens cujo nome contém a substring informada
func (r *PostgresRepository) SearchItems(ctx context.Context, substring string) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, weight, volume, available, price, image_url, street_address, coordinates, created_at
		FROM items
		WHERE name LIKE '%' || $1 || '%'
		ORDER BY id
	`, substring)
	if err != nil {
		return nil, fmt.Errorf("failed to search items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var item Item
		if err := rows.Scan(
			&item.ID, &item.Name, &item.Weight, &item.Volume, &item.Available,
			&item.Price, &item.ImageURL, &item.StreetAddress, &item.Coordinates, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetItemForUpdate obtém o item com lock pessimista (FOR UPDATE)
func (r *PostgresRepository) GetItemForUpdate(ctx context.Context, tx Tx, itemID int64) (*Item, error) {
	pgTx := tx.(*PostgresTx).tx

	var item Item
	err := pgTx.QueryRow(ctx, `
		SELECT id, name, weight, volume, available, price, image_url, street_address, coordinates, created_at
		FROM items
		WHERE id = $1
		FOR UPDATE
	`, itemID).Scan(
		&item.ID, &item.Name, &item.Weight, &item.Volume, &item.Available,
		&item.Price, &item.ImageURL, &item.StreetAddress, &item.Coordinates, &item.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSuchItem
		}
		return nil, fmt.Errorf("failed to get item for update: %w", err)
	}
	return &item, nil
}

// ReserveStock decrementa o estoque disponível e registra a movimentação.
// O UPDATE é condicionado a available >= quantity: zero linhas afetadas
// significa estoque insuficiente ou item inexistente, nunca um decremento
// parcial; o SELECT EXISTS distingue os dois casos.
func (r *PostgresRepository) ReserveStock(ctx context.Context, tx Tx, itemID int64, quantity int, bookingID int64) error {
	pgTx := tx.(*PostgresTx).tx

	tag, err := pgTx.Exec(ctx, `
		UPDATE items
		SET available = available - $2
		WHERE id = $1 AND available >= $2
	`, itemID, quantity)
	if err != nil {
		return fmt.Errorf("failed to decrease stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := pgTx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM items WHERE id = $1)
		`, itemID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check item existence: %w", err)
		}
		if !exists {
			return ErrNoSuchItem
		}
		return ErrInsufficientStock
	}

	movementID := uuid.New().String()
	_, err = pgTx.Exec(ctx, `
		INSERT INTO inventory_movements (id, item_id, booking_id, change_quantity, movement_type)
		VALUES ($1, $2, $3, $4, $5)
	`, movementID, itemID, bookingID, -quantity, MovementTypeReserve)
	if err != nil {
		return fmt.Errorf("failed to insert movement record: %w", err)
	}
	return nil
}

// ReleaseStock devolve a quantidade reservada ao estoque e registra a
// movimentação. A idempotência é responsabilidade do chamador: release é
// executado no máximo uma vez por reserva, na mesma transação da transição.
func (r *PostgresRepository) ReleaseStock(ctx context.Context, tx Tx, itemID int64, quantity int, bookingID int64) error {
	pgTx := tx.(*PostgresTx).tx

	_, err := pgTx.Exec(ctx, `
		UPDATE items
		SET available = available + $2
		WHERE id = $1
	`, itemID, quantity)
	if err != nil {
		return fmt.Errorf("failed to release stock: %w", err)
	}

	movementID := uuid.New().String()
	_, err = pgTx.Exec(ctx, `
		INSERT INTO inventory_movements (id, item_id, booking_id, change_quantity, movement_type)
		VALUES ($1, $2, $3, $4, $5)
	`, movementID, itemID, bookingID, quantity, MovementTypeRelease)
	if err != nil {
		return fmt.Errorf("failed to insert movement record: %w", err)
	}
	return nil
}

// InsertBooking cria uma nova reserva com status pending
func (r *PostgresRepository) InsertBooking(ctx context.Context, tx Tx, itemID int64, quantity int) (*Booking, error) {
	pgTx := tx.(*PostgresTx).tx

	var booking Booking
	err := pgTx.QueryRow(ctx, `
		INSERT INTO bookings (item_id, quantity, status)
		VALUES ($1, $2, $3)
		RETURNING id, item_id, quantity, status, created_at, updated_at
	`, itemID, quantity, BookingStatusPending).Scan(
		&booking.ID, &booking.ItemID, &booking.Quantity,
		&booking.Status, &booking.CreatedAt, &booking.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert booking: %w", err)
	}
	return &booking, nil
}

// GetBooking busca uma reserva pelo ID
func (r *PostgresRepository) GetBooking(ctx context.Context, bookingID int64) (*Booking, error) {
	var booking Booking
	err := r.pool.QueryRow(ctx, `
		SELECT id, item_id, quantity, status, created_at, updated_at
		FROM bookings WHERE id = $1
	`, bookingID).Scan(
		&booking.ID, &booking.ItemID, &booking.Quantity,
		&booking.Status, &booking.CreatedAt, &booking.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSuchBooking
		}
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &booking, nil
}

// TransitionIfPending é a primitiva crítica de concorrência: atualiza o
// status apenas se a reserva ainda está pending. Retorna (nil, nil) quando
// nenhuma linha foi afetada - a reserva não existe ou já foi resolvida por
// outro chamador. O lock de linha do UPDATE garante que, entre cancelamento
// manual, confirmação e expiração automática, exatamente um chamador observa
// sucesso.
func (r *PostgresRepository) TransitionIfPending(ctx context.Context, tx Tx, bookingID int64, newStatus string) (*Booking, error) {
	pgTx := tx.(*PostgresTx).tx

	var booking Booking
	err := pgTx.QueryRow(ctx, `
		UPDATE bookings
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING id, item_id, quantity, status, created_at, updated_at
	`, bookingID, newStatus, BookingStatusPending).Scan(
		&booking.ID, &booking.ItemID, &booking.Quantity,
		&booking.Status, &booking.CreatedAt, &booking.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to transition booking: %w", err)
	}
	return &booking, nil
}

// ListPendingBookings lista as reservas ainda pendentes (caminho de
// recuperação dos timers de expiração no startup)
func (r *PostgresRepository) ListPendingBookings(ctx context.Context) ([]*Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, item_id, quantity, status, created_at, updated_at
		FROM bookings
		WHERE status = $1
		ORDER BY created_at
	`, BookingStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*Booking
	for rows.Next() {
		var booking Booking
		if err := rows.Scan(
			&booking.ID, &booking.ItemID, &booking.Quantity,
			&booking.Status, &booking.CreatedAt, &booking.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, &booking)
	}
	return bookings, rows.Err()
}
