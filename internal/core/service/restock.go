package service

import (
	"context"
	"time"

	"github.com/rl1809/storefront/internal/core/domain"
)

const (
	maxRestockAttempts = 5
	restockTimeout     = 5 * time.Second
	restockBaseBackoff = 200 * time.Millisecond
	restockMaxBackoff  = 5 * time.Second
)

// enqueueRestock never blocks. A task that cannot be queued, because the queue is full
// or the service is closed, is logged and dropped.
func (s *OrderService) enqueueRestock(task domain.RestockTask) bool {
	s.restockMu.RLock()
	defer s.restockMu.RUnlock()

	if !s.restockClosed {
		select {
		case s.restockQueue <- task:
			return true
		default:
		}
	}

	s.logger.Error().
		Str("order_id", task.OrderID).
		Str("product_id", task.ProductID).
		Int("quantity", task.Quantity).
		Bool("closed", s.restockClosed).
		Msg("CRITICAL restock dropped")
	return false
}

// Close stops accepting restock tasks. Workers drain what is queued and exit.
func (s *OrderService) Close() {
	s.restockMu.Lock()
	defer s.restockMu.Unlock()

	if s.restockClosed {
		return
	}
	s.restockClosed = true
	close(s.restockQueue)
}

// RestockLoop retries queued stock restores until the queue is closed.
func (s *OrderService) RestockLoop(id int) {
	for task := range s.restockQueue {
		s.restock(id, task)
	}
}

func (s *OrderService) restock(id int, task domain.RestockTask) {
	for task.Attempt < maxRestockAttempts {
		task.Attempt++

		ctx, cancel := context.WithTimeout(context.Background(), restockTimeout)
		err := s.products.IncrementStock(ctx, task.ProductID, task.Quantity)
		cancel()

		if err == nil {
			s.logger.Info().
				Int("worker", id).
				Str("order_id", task.OrderID).
				Str("product_id", task.ProductID).
				Int("attempt", task.Attempt).
				Msg("restored stock")
			return
		}

		s.logger.Warn().Err(err).
			Int("worker", id).
			Str("order_id", task.OrderID).
			Int("attempt", task.Attempt).
			Msg("restock attempt failed")

		if task.Attempt < maxRestockAttempts {
			time.Sleep(restockBackoff(task.Attempt))
		}
	}

	s.logger.Error().
		Int("worker", id).
		Str("order_id", task.OrderID).
		Str("product_id", task.ProductID).
		Int("quantity", task.Quantity).
		Msg("CRITICAL restock failed after retries")
}

func restockBackoff(attempt int) time.Duration {
	d := restockBaseBackoff << (attempt - 1)
	if d > restockMaxBackoff || d <= 0 {
		return restockMaxBackoff
	}
	return d
}
