package main

import (
	"context"
	"log"
	"sync"
	"time"
)

// ExpireFunc é o callback disparado quando o prazo de uma reserva vence
type ExpireFunc func(ctx context.Context, bookingID int64) error

const (
	expireTimeout    = 10 * time.Second
	expireRetryDelay = 30 * time.Second
)

// ExpiryScheduler arma um timer one-shot por reserva criada e dispara o
// caminho de expiração do engine quando o prazo vence. Os timers rodam
// nas goroutines de timer do runtime, independentes do atendimento de
// requisições: um handler lento nunca atrasa uma expiração e vice-versa.
// No máximo um disparo por reserva; a corrida contra cancel/confirm é
// resolvida pela transição condicionada do storage, não aqui.
type ExpiryScheduler struct {
	delay      time.Duration
	retryDelay time.Duration
	expire     ExpireFunc

	mu     sync.Mutex
	timers map[int64]*time.Timer
	closed bool
}

// NewExpiryScheduler cria uma nova instância de ExpiryScheduler
func NewExpiryScheduler(delay time.Duration) *ExpiryScheduler {
	return &ExpiryScheduler{
		delay:      delay,
		retryDelay: expireRetryDelay,
		timers:     make(map[int64]*time.Timer),
	}
}

// Bind conecta o callback de expiração. Deve ser chamado antes do
// primeiro Arm (o engine e o scheduler referenciam um ao outro, então a
// ligação acontece depois da construção de ambos).
func (s *ExpiryScheduler) Bind(expire ExpireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire = expire
}

// Arm agenda a expiração de uma reserva com o delay configurado
func (s *ExpiryScheduler) Arm(bookingID int64) {
	s.ArmIn(bookingID, s.delay)
}

// ArmIn agenda a expiração de uma reserva com um delay explícito
func (s *ExpiryScheduler) ArmIn(bookingID int64, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, armed := s.timers[bookingID]; armed {
		return
	}
	s.timers[bookingID] = time.AfterFunc(delay, func() {
		s.fire(bookingID)
	})
}

// Disarm descarta o timer de uma reserva já resolvida. Puramente higiene
// de recursos: um timer que dispara para uma reserva resolvida é um no-op.
func (s *ExpiryScheduler) Disarm(bookingID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, armed := s.timers[bookingID]; armed {
		timer.Stop()
		delete(s.timers, bookingID)
	}
}

// Recover rearma timers para reservas que continuavam pendentes quando o
// processo reiniciou. O restante do prazo é delay - idade; prazos já
// vencidos expiram imediatamente em vez de serem esquecidos.
func (s *ExpiryScheduler) Recover(pending []*Booking, now time.Time) {
	for _, booking := range pending {
		remaining := s.delay - now.Sub(booking.CreatedAt)
		s.ArmIn(booking.ID, remaining)
	}
	if len(pending) > 0 {
		log.Printf("🔄 Re-armed expiry timers for %d pending booking(s)", len(pending))
	}
}

// Shutdown paralisa todos os timers pendentes
func (s *ExpiryScheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for bookingID, timer := range s.timers {
		timer.Stop()
		delete(s.timers, bookingID)
	}
}

func (s *ExpiryScheduler) fire(bookingID int64) {
	s.mu.Lock()
	delete(s.timers, bookingID)
	expire := s.expire
	closed := s.closed
	s.mu.Unlock()

	if closed || expire == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()
	if err := expire(ctx, bookingID); err != nil {
		// a reserva segue pendente; rearma em vez de esperar um restart
		log.Printf("❌ [EXPIRE] Failed to expire booking %d, retrying in %v: %v", bookingID, s.retryDelay, err)
		s.ArmIn(bookingID, s.retryDelay)
	}
}
