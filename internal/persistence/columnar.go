package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"

	"fenrir/internal/domain"
)

// Candle is one OHLCV bucket for a market, built up incrementally as trades
// land in the columnar writer.
type Candle struct {
	MarketID   string
	BucketSize time.Duration
	Open       time.Time
	OpenPrice  uint64
	HighPrice  uint64
	LowPrice   uint64
	ClosePrice uint64
	Volume     uint64
}

// ColumnarStore is the append-only analytical sink for trades and candles,
// an external collaborator the engine never talks to directly.
// ColumnarWriter owns the queue and watermark in front of it.
type ColumnarStore interface {
	AppendTrade(ctx context.Context, trade domain.Trade) error
	UpsertCandle(ctx context.Context, candle Candle) error
}

// sequencedTrade carries a sequence number alongside the payload so the writer can
// publish a monotonic watermark once the row is durable.
type sequencedTrade struct {
	seq   uint64
	trade domain.Trade
}

// ColumnarWriter asynchronously drains trades into a ColumnarStore and
// folds them into per-market candles, while exposing a monotonic
// high-watermark: the highest sequence number known durable. A
// TradeExecuted event must never reach subscribers before its trade is
// durable; Watermark lets the engine (or the broadcast bus) hold a
// trade's event until its sequence number is at or below the watermark,
// without the engine blocking on disk I/O itself. The worker runs under a
// supervised tomb.Tomb.
type ColumnarWriter struct {
	t          tomb.Tomb
	store      ColumnarStore
	bucketSize time.Duration
	queue      chan sequencedTrade

	watermark chan uint64 // single-slot: always holds the latest published value
	nextSeq   uint64
}

// NewColumnarWriter starts the write-behind worker. queueCapacity bounds
// how many unwritten trades may be in flight before Submit blocks, the
// same bounded-queue discipline the engine uses for its own commands.
func NewColumnarWriter(store ColumnarStore, bucketSize time.Duration, queueCapacity int) *ColumnarWriter {
	w := &ColumnarWriter{
		store:      store,
		bucketSize: bucketSize,
		queue:      make(chan sequencedTrade, queueCapacity),
		watermark:  make(chan uint64, 1),
	}
	w.watermark <- 0
	w.t.Go(w.run)
	return w
}

// Submit enqueues trade for durable write and returns the sequence number
// the caller should pass to WaitDurable before forwarding the
// corresponding TradeExecuted event.
func (w *ColumnarWriter) Submit(trade domain.Trade) uint64 {
	w.nextSeq++
	seq := w.nextSeq
	w.queue <- sequencedTrade{seq: seq, trade: trade}
	return seq
}

// Watermark returns the highest sequence number confirmed durable.
func (w *ColumnarWriter) Watermark() uint64 {
	v := <-w.watermark
	w.watermark <- v
	return v
}

// WaitDurable blocks until seq is at or below the watermark, or ctx ends.
func (w *ColumnarWriter) WaitDurable(ctx context.Context, seq uint64) error {
	for {
		if w.Watermark() >= seq {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Close stops the writer and waits for the queue to drain.
func (w *ColumnarWriter) Close() error {
	w.t.Kill(nil)
	return w.t.Wait()
}

func (w *ColumnarWriter) run() error {
	candles := make(map[string]*Candle)
	ctx := context.Background()
	for {
		var st sequencedTrade
		select {
		case <-w.t.Dying():
			select {
			case st = <-w.queue:
			default:
				return nil
			}
		case st = <-w.queue:
		}
		if err := w.store.AppendTrade(ctx, st.trade); err != nil {
			log.Error().Err(err).Str("trade_id", st.trade.ID).Msg("columnar: append trade failed")
			continue
		}
		w.foldCandle(ctx, candles, st.trade)
		w.advanceWatermark(st.seq)
	}
}

func (w *ColumnarWriter) advanceWatermark(seq uint64) {
	v := <-w.watermark
	if seq > v {
		v = seq
	}
	w.watermark <- v
}

func (w *ColumnarWriter) foldCandle(ctx context.Context, candles map[string]*Candle, trade domain.Trade) {
	bucketStart := trade.Timestamp.Truncate(w.bucketSize)
	key := trade.MarketID + "|" + bucketStart.String()

	c, ok := candles[key]
	if !ok {
		c = &Candle{
			MarketID:   trade.MarketID,
			BucketSize: w.bucketSize,
			Open:       bucketStart,
			OpenPrice:  trade.Price,
			HighPrice:  trade.Price,
			LowPrice:   trade.Price,
			ClosePrice: trade.Price,
		}
		candles[key] = c
	}
	if trade.Price > c.HighPrice {
		c.HighPrice = trade.Price
	}
	if trade.Price < c.LowPrice {
		c.LowPrice = trade.Price
	}
	c.ClosePrice = trade.Price
	c.Volume += trade.Size

	if err := w.store.UpsertCandle(ctx, *c); err != nil {
		log.Error().Err(err).Str("market_id", trade.MarketID).Msg("columnar: upsert candle failed")
	}
}
