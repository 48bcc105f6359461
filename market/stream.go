package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridbot/logger"
)

const (
	spotStreamEndpoint    = "wss://stream.binance.com:9443/stream"
	testnetStreamEndpoint = "wss://stream.testnet.binance.vision/stream"
)

// PriceTick is one live price observation.
type PriceTick struct {
	Symbol string
	Price  float64
	At     time.Time
}

// PriceStream keeps a live mini-ticker subscription for one symbol and
// exposes the latest observed price. Readers that need fresher data than
// the REST poll (the risk controller's trailing checks) consume this.
type PriceStream struct {
	endpoint string
	symbol   string

	mu        sync.RWMutex
	conn      *websocket.Conn
	last      PriceTick
	reconnect bool
	done      chan struct{}

	// ticks is closed by the reader goroutine chain, never by Close: the
	// reader is the only sender, so it alone can close without racing a
	// send. finish makes the hand-off idempotent across reconnects.
	ticks  chan PriceTick
	finish sync.Once
}

// NewPriceStream builds a stream for one symbol. Call Connect to start.
func NewPriceStream(symbol string, testnet bool) *PriceStream {
	endpoint := spotStreamEndpoint
	if testnet {
		endpoint = testnetStreamEndpoint
	}
	return &PriceStream{
		endpoint:  endpoint,
		symbol:    symbol,
		reconnect: true,
		done:      make(chan struct{}),
		ticks:     make(chan PriceTick, 64),
	}
}

// Connect dials the stream and subscribes. Reading continues in the
// background until Close.
func (s *PriceStream) Connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial price stream: %w", err)
	}

	sub := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{fmt.Sprintf("%s@miniTicker", strings.ToLower(s.symbol))},
		"id":     time.Now().UnixNano(),
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe price stream: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	logger.Infof("price stream connected for %s", s.symbol)
	go s.readLoop()
	return nil
}

// Latest returns the most recent tick; ok is false before the first one.
func (s *PriceStream) Latest() (PriceTick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, !s.last.At.IsZero()
}

// Ticks delivers live updates. Slow consumers drop ticks rather than block
// the read loop.
func (s *PriceStream) Ticks() <-chan PriceTick {
	return s.ticks
}

// closeTicks ends the tick channel exactly once, from the reader side.
func (s *PriceStream) closeTicks() {
	s.finish.Do(func() { close(s.ticks) })
}

func (s *PriceStream) readLoop() {
	for {
		select {
		case <-s.done:
			s.closeTicks()
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			time.Sleep(time.Second)
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				s.closeTicks()
				return
			default:
			}
			logger.Warnf("price stream read failed: %v", err)
			s.handleReconnect()
			return
		}
		s.handleMessage(message)
	}
}

func (s *PriceStream) handleMessage(message []byte) {
	var frame struct {
		Stream string `json:"stream"`
		Data   struct {
			Symbol    string `json:"s"`
			Close     string `json:"c"`
			EventTime int64  `json:"E"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		logger.Debugf("price stream: skip unparseable frame: %v", err)
		return
	}
	if frame.Data.Symbol == "" {
		return // subscription ack
	}
	price, err := strconv.ParseFloat(frame.Data.Close, 64)
	if err != nil || price <= 0 {
		return
	}

	tick := PriceTick{
		Symbol: frame.Data.Symbol,
		Price:  price,
		At:     time.UnixMilli(frame.Data.EventTime),
	}
	s.mu.Lock()
	s.last = tick
	s.mu.Unlock()

	select {
	case s.ticks <- tick:
	default:
	}
}

func (s *PriceStream) handleReconnect() {
	s.mu.RLock()
	again := s.reconnect
	s.mu.RUnlock()
	if !again {
		s.closeTicks()
		return
	}
	logger.Infof("price stream reconnecting...")
	time.Sleep(3 * time.Second)
	if err := s.Connect(); err != nil {
		logger.Errorf("price stream reconnect failed: %v", err)
		go s.handleReconnect()
	}
}

// Close stops the stream. The reader goroutine observes done and closes
// the tick channel on its way out.
func (s *PriceStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reconnect {
		return
	}
	s.reconnect = false
	close(s.done)
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
