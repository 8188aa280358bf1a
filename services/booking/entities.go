package main

import (
	"errors"
	"time"
)

// Item representa um item reservável do estoque
type Item struct {
	ID            int64     `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Weight        int       `json:"weight" db:"weight"`
	Volume        int       `json:"volume" db:"volume"`
	Available     int       `json:"amount" db:"available"`
	Price         float64   `json:"price" db:"price"`
	ImageURL      string    `json:"image_url" db:"image_url"`
	StreetAddress string    `json:"street_address" db:"street_address"`
	Coordinates   string    `json:"coordinates" db:"coordinates"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Booking representa uma reserva de uma quantidade de um item
type Booking struct {
	ID        int64     `json:"id" db:"id"`
	ItemID    int64     `json:"item_id" db:"item_id"`
	Quantity  int       `json:"quantity" db:"quantity"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// BookingStatus representa os possíveis status de uma reserva.
// Uma reserva nasce pending e transiciona exatamente uma vez para
// confirmed ou canceled; os dois estados finais são imutáveis.
const (
	BookingStatusPending   = "pending"
	BookingStatusConfirmed = "confirmed"
	BookingStatusCanceled  = "canceled"
)

// StockMovement registra cada mutação de estoque junto da transação que a causou
type StockMovement struct {
	ID        string    `json:"id" db:"id"`
	ItemID    int64     `json:"item_id" db:"item_id"`
	BookingID int64     `json:"booking_id" db:"booking_id"`
	Change    int       `json:"change_quantity" db:"change_quantity"`
	Type      string    `json:"movement_type" db:"movement_type"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

const (
	MovementTypeReserve = "reserve"
	MovementTypeRelease = "release"
)

// BookingConfirmation é a resposta de uma reserva bem sucedida
type BookingConfirmation struct {
	BookingID     int64
	Address       string
	AvailableDate string
}

// Erros de negócio. Nenhum deles deixa estado parcial para trás.
var (
	ErrInvalidQuantity   = errors.New("item_id or quantity not provided")
	ErrNoSuchItem        = errors.New("no such item")
	ErrNoSuchBooking     = errors.New("no such booking")
	ErrInsufficientStock = errors.New("not enough amount")
	ErrNotCancelable     = errors.New("this booking cannot be canceled")
	ErrNotConfirmable    = errors.New("this booking cannot be confirmed")
	ErrTransient         = errors.New("transient storage failure")
)

// fulfillmentDate calcula a data informativa de retirada (criação + lead time).
// Não é persistida, apenas ecoada ao cliente.
func fulfillmentDate(createdAt time.Time, leadTime time.Duration) string {
	return createdAt.Add(leadTime).Format("2006-01-02")
}
