// Package notify pushes operator-facing events. Delivery is fire-and-forget
// through a buffered channel; a slow or down transport never blocks trading.
package notify

import (
	"fmt"
	"time"
)

// Notifier receives trading events worth a human's attention.
type Notifier interface {
	FillOccurred(symbol, side string, price, qty float64)
	RecalculationApplied(symbol, strategy string, levels int)
	BracketTriggered(symbol, reason string, price float64)
	EmergencyStop(symbol, reason string)
}

// Nop discards all events. Used in tests and when Telegram is not
// configured.
type Nop struct{}

func (Nop) FillOccurred(string, string, float64, float64) {}
func (Nop) RecalculationApplied(string, string, int)      {}
func (Nop) BracketTriggered(string, string, float64)      {}
func (Nop) EmergencyStop(string, string)                  {}

type message struct {
	text string
	at   time.Time
}

func fillText(symbol, side string, price, qty float64) string {
	return fmt.Sprintf("✅ %s %s filled: %.8g @ %.8g", symbol, side, qty, price)
}

func recalcText(symbol, strategy string, levels int) string {
	return fmt.Sprintf("📐 %s grid recalculated: strategy=%s levels=%d", symbol, strategy, levels)
}

func bracketText(symbol, reason string, price float64) string {
	return fmt.Sprintf("🛑 %s bracket triggered (%s) near %.8g", symbol, reason, price)
}

func stopText(symbol, reason string) string {
	return fmt.Sprintf("🚨 %s EMERGENCY STOP: %s", symbol, reason)
}
