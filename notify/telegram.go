package notify

import (
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"gridbot/logger"
)

// Telegram delivers events to a chat. Messages queue into a buffered
// channel; when the queue is full the event is dropped with a log line
// rather than blocking the caller.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	queue  chan message
	done   chan struct{}
}

// NewTelegram connects the bot and starts the delivery worker.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	t := &Telegram{
		bot:    bot,
		chatID: chatID,
		queue:  make(chan message, 128),
		done:   make(chan struct{}),
	}
	go t.deliver()
	logger.Infof("telegram notifier connected as @%s", bot.Self.UserName)
	return t, nil
}

func (t *Telegram) deliver() {
	for {
		select {
		case <-t.done:
			return
		case m := <-t.queue:
			msg := tgbotapi.NewMessage(t.chatID, m.text)
			if _, err := t.bot.Send(msg); err != nil {
				logger.Warnf("telegram send failed: %v", err)
			}
		}
	}
}

func (t *Telegram) enqueue(text string) {
	select {
	case t.queue <- message{text: text, at: time.Now()}:
	default:
		logger.Warnf("telegram queue full, dropping: %s", text)
	}
}

func (t *Telegram) FillOccurred(symbol, side string, price, qty float64) {
	t.enqueue(fillText(symbol, side, price, qty))
}

func (t *Telegram) RecalculationApplied(symbol, strategy string, levels int) {
	t.enqueue(recalcText(symbol, strategy, levels))
}

func (t *Telegram) BracketTriggered(symbol, reason string, price float64) {
	t.enqueue(bracketText(symbol, reason, price))
}

func (t *Telegram) EmergencyStop(symbol, reason string) {
	t.enqueue(stopText(symbol, reason))
}

// Close stops the delivery worker. Queued messages are dropped.
func (t *Telegram) Close() {
	close(t.done)
}
