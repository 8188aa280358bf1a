// smoketest percorre o ciclo de vida completo de reserva contra uma
// instância rodando do serviço: busca itens, reserva, confirma, reserva
// de novo e cancela. Sai com código diferente de zero na primeira falha.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

type bookingResponse struct {
	ID            string `json:"id"`
	Address       string `json:"address"`
	AvailableDate string `json:"available_date"`
}

type itemResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Amount int    `json:"amount"`
}

func main() {
	baseURL := getEnv("BOOKING_URL", "http://localhost:8080")
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)

	log.Printf("🚀 Running smoke test against %s", baseURL)

	var items []itemResponse
	resp, err := client.R().
		SetQueryParam("query", "b").
		SetResult(&items).
		Get("/items_by_string")
	check(err, resp, "search items")
	if len(items) == 0 {
		fail("search items: no items returned, did you run the service with -init?")
	}
	itemID := items[0].ID
	log.Printf("✅ Found %d item(s), using item %s (%s, amount=%d)", len(items), itemID, items[0].Name, items[0].Amount)

	var item itemResponse
	resp, err = client.R().
		SetQueryParam("item_id", itemID).
		SetResult(&item).
		Get("/item")
	check(err, resp, "get item")
	if item.ID != itemID {
		fail(fmt.Sprintf("get item: expected id %s, got %s", itemID, item.ID))
	}
	log.Printf("✅ Item lookup returned %s (%s)", item.ID, item.Name)

	var confirmed bookingResponse
	resp, err = client.R().
		SetBody(map[string]any{"item_id": atoi(itemID), "quantity": 2}).
		SetResult(&confirmed).
		Post("/booking")
	check(err, resp, "create booking")
	log.Printf("✅ Booked 2 unit(s): booking %s, pickup at %s, available %s", confirmed.ID, confirmed.Address, confirmed.AvailableDate)

	resp, err = client.R().
		SetBody(map[string]any{"booking_id": atoi(confirmed.ID)}).
		Post("/confirm_booking")
	check(err, resp, "confirm booking")
	log.Printf("✅ Confirmed booking %s", confirmed.ID)

	// confirmar de novo tem que falhar: a reserva já saiu de pending
	resp, err = client.R().
		SetBody(map[string]any{"booking_id": atoi(confirmed.ID)}).
		Post("/confirm_booking")
	if err != nil {
		fail(fmt.Sprintf("re-confirm booking: %v", err))
	}
	if resp.StatusCode() != 400 {
		fail(fmt.Sprintf("re-confirm booking: expected 400, got %d", resp.StatusCode()))
	}
	log.Printf("✅ Re-confirm correctly rejected")

	var canceled bookingResponse
	resp, err = client.R().
		SetBody(map[string]any{"item_id": atoi(itemID), "quantity": 1}).
		SetResult(&canceled).
		Post("/booking")
	check(err, resp, "create second booking")

	resp, err = client.R().
		SetBody(map[string]any{"booking_id": atoi(canceled.ID)}).
		Post("/cancel_booking")
	check(err, resp, "cancel booking")
	log.Printf("✅ Canceled booking %s", canceled.ID)

	log.Println("✅ Smoke test passed")
}

func check(err error, resp *resty.Response, step string) {
	if err != nil {
		fail(fmt.Sprintf("%s: %v", step, err))
	}
	if resp.IsError() {
		fail(fmt.Sprintf("%s: HTTP %d: %s", step, resp.StatusCode(), resp.String()))
	}
}

func fail(msg string) {
	log.Printf("❌ %s", msg)
	os.Exit(1)
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		fail(fmt.Sprintf("non-numeric id %q: %v", s, err))
	}
	return n
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
