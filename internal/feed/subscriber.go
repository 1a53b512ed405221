// Package feed is the optional in-process rate feed: a WebSocket
// subscriber that consumes funding-rate frames from a collection service
// and writes them into the rate database. When disabled, the external
// collection service owns the database alone.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/ratestore"
	"funding_arb/pkg/websocket"

	"github.com/shopspring/decimal"
)

// rateFrame is the wire format of one funding-rate observation.
type rateFrame struct {
	Type            string `json:"type"`
	Venue           string `json:"venue"`
	Symbol          string `json:"symbol"`
	Rate            string `json:"rate"`
	IntervalHours   int    `json:"interval_hours"`
	NextFundingTime int64  `json:"next_funding_time,omitempty"` // unix ms
	Volume24hUSD    string `json:"volume_24h_usd,omitempty"`
	OpenInterestUSD string `json:"open_interest_usd,omitempty"`
	MaxLeverage     string `json:"max_leverage,omitempty"`
	Timestamp       int64  `json:"timestamp"` // unix ms
}

const (
	frameFundingRate = "funding_rate"
	frameMarketInfo  = "market_info"
)

// Subscriber consumes the feed and persists samples.
type Subscriber struct {
	client *websocket.Client
	store  *ratestore.Store
	subMsg interface{}
	logger core.ILogger
}

// NewSubscriber creates a subscriber for url. subMsg, when non-nil, is
// sent after each (re)connect to subscribe to the desired streams.
func NewSubscriber(url string, subMsg interface{}, store *ratestore.Store, logger core.ILogger) *Subscriber {
	s := &Subscriber{
		store:  store,
		subMsg: subMsg,
		logger: logger.WithField("component", "rate_feed"),
	}
	s.client = websocket.NewClient(url, s.handleMessage, s.logger)
	if subMsg != nil {
		s.client.SetOnConnected(func() {
			if err := s.client.Send(subMsg); err != nil {
				s.logger.Error("Subscription send failed", "error", err)
			}
		})
	}
	return s
}

// Start begins connecting and consuming. Connection failures are retried
// in the background, so there is no first-connect error to report.
func (s *Subscriber) Start() {
	s.client.Start()
}

// Stop disconnects.
func (s *Subscriber) Stop() {
	s.client.Stop()
}

func (s *Subscriber) handleMessage(message []byte) {
	var frame rateFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		s.logger.Warn("Unparseable feed frame", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch frame.Type {
	case frameFundingRate:
		s.ingestRate(ctx, frame)
	case frameMarketInfo:
		s.ingestMarketInfo(ctx, frame)
	default:
		// Heartbeats and acks pass through here.
	}
}

func (s *Subscriber) ingestRate(ctx context.Context, frame rateFrame) {
	if frame.Venue == "" || frame.Symbol == "" || frame.IntervalHours <= 0 {
		s.logger.Warn("Invalid rate frame", "venue", frame.Venue, "symbol", frame.Symbol)
		return
	}
	raw, err := decimal.NewFromString(frame.Rate)
	if err != nil {
		s.logger.Warn("Invalid rate value", "venue", frame.Venue, "symbol", frame.Symbol, "rate", frame.Rate)
		return
	}

	sample := core.FundingRateSample{
		Venue:          frame.Venue,
		Symbol:         frame.Symbol,
		RawRate:        raw,
		NormalizedRate: normalizeRate(raw, frame.IntervalHours),
		IntervalHours:  frame.IntervalHours,
		ObservedAt:     frameTime(frame.Timestamp),
	}
	if frame.NextFundingTime > 0 {
		sample.NextFundingTime = time.UnixMilli(frame.NextFundingTime).UTC()
	}

	if err := s.store.Insert(ctx, sample); err != nil {
		s.logger.Error("Rate sample persist failed",
			"venue", frame.Venue, "symbol", frame.Symbol, "error", err)
	}
}

func (s *Subscriber) ingestMarketInfo(ctx context.Context, frame rateFrame) {
	if frame.Venue == "" || frame.Symbol == "" {
		return
	}

	info := core.MarketInfo{Venue: frame.Venue, Symbol: frame.Symbol}
	var err error
	if info.Volume24hUSD, err = decimal.NewFromString(frame.Volume24hUSD); err != nil {
		info.Volume24hUSD = decimal.Zero
	}
	if info.OpenInterestUSD, err = decimal.NewFromString(frame.OpenInterestUSD); err != nil {
		info.OpenInterestUSD = decimal.Zero
	}
	if info.MaxLeverage, err = decimal.NewFromString(frame.MaxLeverage); err != nil {
		info.MaxLeverage = decimal.Zero
	}

	if err := s.store.UpsertMarketInfo(ctx, info); err != nil {
		s.logger.Error("Market info persist failed",
			"venue", frame.Venue, "symbol", frame.Symbol, "error", err)
	}
}

// normalizeRate converts a per-interval rate to the per-8h convention
// used everywhere downstream.
func normalizeRate(raw decimal.Decimal, intervalHours int) decimal.Decimal {
	return raw.Mul(decimal.NewFromInt(8)).Div(decimal.NewFromInt(int64(intervalHours)))
}

func frameTime(unixMs int64) time.Time {
	if unixMs <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(unixMs).UTC()
}
