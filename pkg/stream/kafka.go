// Package stream relays executed trades to external consumers over Kafka.
package stream

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/drachmadex/drachmadex/pkg/exchange"
)

// TradeRelay subscribes to the engine's trade feed and publishes every trade
// to a Kafka topic. The feed replays from a cursor, so the relay delivers
// at-least-once: a restarted relay resumes from ID 0 and downstream
// consumers dedupe on the trade ID.
type TradeRelay struct {
	feed   *exchange.TradeFeed
	writer *kafka.Writer
	log    *zap.SugaredLogger
	done   chan struct{}
}

func NewTradeRelay(feed *exchange.TradeFeed, brokers []string, topic string, log *zap.SugaredLogger) *TradeRelay {
	return &TradeRelay{
		feed: feed,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
			Async:    true,
		},
		log:  log,
		done: make(chan struct{}),
	}
}

// tradeMessage is the wire form published to Kafka. Amounts are decimal
// strings in smallest units; the timestamp is unix milliseconds.
type tradeMessage struct {
	ID        uint64 `json:"trade_id"`
	Symbol    string `json:"symbol"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Amount    string `json:"amount"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

// Run consumes the feed until ctx is cancelled. Blocking; call in its own
// goroutine.
func (r *TradeRelay) Run(ctx context.Context) {
	defer close(r.done)

	trades := r.feed.Subscribe(ctx, "", 0)
	for t := range trades {
		payload, err := json.Marshal(tradeMessage{
			ID:        t.ID,
			Symbol:    t.Symbol,
			Buyer:     t.Buyer.Hex(),
			Seller:    t.Seller.Hex(),
			Amount:    t.Amount.Dec(),
			Price:     t.Price.Dec(),
			Timestamp: t.Timestamp,
		})
		if err != nil {
			r.log.Errorw("trade_encode_failed", "trade_id", t.ID, "err", err)
			continue
		}
		msg := kafka.Message{
			Key:   []byte(strconv.FormatUint(t.ID, 10)),
			Value: payload,
		}
		if err := r.writer.WriteMessages(ctx, msg); err != nil && ctx.Err() == nil {
			r.log.Errorw("trade_publish_failed", "trade_id", t.ID, "err", err)
		}
	}
}

// Close flushes pending async writes and releases the writer. Call after the
// Run context is cancelled.
func (r *TradeRelay) Close() error {
	<-r.done
	return r.writer.Close()
}
