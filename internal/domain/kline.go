package domain

import "time"

// Kline represents a single candlestick data point.
type Kline struct {
	OpenTime  time.Time // Start time of the interval
	CloseTime time.Time // End time of the interval
	Symbol    string    // Trading symbol
	Interval  string    // Kline interval (e.g., "1m", "1h")
	Open      float64   // Opening price
	High      float64   // Highest price
	Low       float64   // Lowest price
	Close     float64   // Closing price
	Volume    float64   // Trading volume
	IsFinal   bool      // Whether this kline is the final one for the interval
}

// MarketSnapshot is the per-tick view of a symbol's market: a time-ascending
// window of final klines plus the most recent traded price. It is produced by
// the exchange adapter and read-only to the core.
type MarketSnapshot struct {
	Symbol    string
	Klines    []*Kline
	LastPrice float64
	FetchedAt time.Time
}
