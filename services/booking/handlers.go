package main

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// BookingUseCaseInterface define a interface para o use case
type BookingUseCaseInterface interface {
	Book(ctx context.Context, itemID int64, quantity int) (*BookingConfirmation, error)
	Cancel(ctx context.Context, bookingID int64) error
	Confirm(ctx context.Context, bookingID int64) error
	GetItem(ctx context.Context, itemID int64) (*Item, error)
	SearchItems(ctx context.Context, substring string) ([]Item, error)
}

// BookingHandler contém os handlers HTTP
type BookingHandler struct {
	useCase BookingUseCaseInterface
	tracer  trace.Tracer
}

// NewBookingHandler cria uma nova instância de BookingHandler
func NewBookingHandler(useCase BookingUseCaseInterface, tracer trace.Tracer) *BookingHandler {
	return &BookingHandler{
		useCase: useCase,
		tracer:  tracer,
	}
}

// CreateBookingRequest representa a requisição para criar uma reserva
type CreateBookingRequest struct {
	ItemID   *int64 `json:"item_id"`
	Quantity *int   `json:"quantity"`
}

// ResolveBookingRequest representa a requisição de cancelamento/confirmação
type ResolveBookingRequest struct {
	BookingID *int64 `json:"booking_id"`
}

// A busca só aceita letras (latinas e cirílicas), dígitos e espaço
var searchQuerySanitizer = regexp.MustCompile("[^a-zA-Z А-Яа-я0-9]+")

// CreateBooking reserva uma quantidade de um item e devolve o id da
// reserva, o endereço de retirada e a data informativa de disponibilidade
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "create_booking")
	defer span.End()

	var req CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ItemID == nil || req.Quantity == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "item_id or quantity not provided"})
		return
	}

	span.SetAttributes(
		attribute.Int64("item_id", *req.ItemID),
		attribute.Int("quantity", *req.Quantity),
	)

	confirmation, err := h.useCase.Book(ctx, *req.ItemID, *req.Quantity)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, ErrInvalidQuantity):
			c.JSON(http.StatusBadRequest, gin.H{"error": "item_id or quantity not provided"})
		case errors.Is(err, ErrNoSuchItem):
			c.JSON(http.StatusBadRequest, gin.H{"error": "no such item"})
		case errors.Is(err, ErrInsufficientStock):
			c.JSON(http.StatusBadRequest, gin.H{"error": "not enough amount"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	span.SetAttributes(attribute.Int64("booking_id", confirmation.BookingID))

	c.JSON(http.StatusOK, gin.H{
		"id":             strconv.FormatInt(confirmation.BookingID, 10),
		"address":        confirmation.Address,
		"available_date": confirmation.AvailableDate,
	})
}

// CancelBooking cancela uma reserva ainda pendente
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "cancel_booking")
	defer span.End()

	var req ResolveBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.BookingID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "booking_id not provided"})
		return
	}

	span.SetAttributes(attribute.Int64("booking_id", *req.BookingID))

	if err := h.useCase.Cancel(ctx, *req.BookingID); err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrNotCancelable) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "This booking cannot be canceled"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{})
}

// ConfirmBooking confirma uma reserva ainda pendente
func (h *BookingHandler) ConfirmBooking(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "confirm_booking")
	defer span.End()

	var req ResolveBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.BookingID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "booking_id not provided"})
		return
	}

	span.SetAttributes(attribute.Int64("booking_id", *req.BookingID))

	if err := h.useCase.Confirm(ctx, *req.BookingID); err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrNotConfirmable) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "This booking cannot be confirmed"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{})
}

// GetItemByID devolve um único item pelo parâmetro item_id
func (h *BookingHandler) GetItemByID(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "get_item")
	defer span.End()

	itemID, err := strconv.ParseInt(c.Query("item_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "item_id not provided"})
		return
	}
	span.SetAttributes(attribute.Int64("item_id", itemID))

	item, err := h.useCase.GetItem(ctx, itemID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrNoSuchItem) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no such item"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, itemJSON(*item))
}

// SearchItems busca itens cujo nome contém a substring do parâmetro query
func (h *BookingHandler) SearchItems(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "search_items")
	defer span.End()

	query := searchQuerySanitizer.ReplaceAllString(c.Query("query"), "")
	span.SetAttributes(attribute.String("query", query))

	items, err := h.useCase.SearchItems(ctx, query)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	response := make([]gin.H, 0, len(items))
	for _, item := range items {
		response = append(response, itemJSON(item))
	}
	c.JSON(http.StatusOK, response)
}

// o id sai como string, formato que os clientes do serviço esperam
func itemJSON(item Item) gin.H {
	return gin.H{
		"id":             strconv.FormatInt(item.ID, 10),
		"name":           item.Name,
		"weight":         item.Weight,
		"volume":         item.Volume,
		"amount":         item.Available,
		"price":          item.Price,
		"image_url":      item.ImageURL,
		"street_address": item.StreetAddress,
		"coordinates":    item.Coordinates,
	}
}

// HealthCheck verifica a saúde do serviço
func (h *BookingHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "booking-service",
	})
}
