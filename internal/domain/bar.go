package domain

// FootprintCell holds the buy- and sell-initiated quantity traded at a single
// price level inside one bar.
type FootprintCell struct {
	Buy  int64 `json:"buy"`
	Sell int64 `json:"sell"`
}

// Bar is one aggregation interval for one instrument. A bar is mutable while
// open (exactly one open bar exists per instrument) and immutable once closed
// and emitted. Footprint keys are prices formatted to a fixed number of
// decimals so that float noise never splits a level.
type Bar struct {
	InstrumentKey string                   `json:"instrument_key"`
	StartTs       int64                    `json:"ts"`
	IntervalSec   int64                    `json:"interval_sec"`
	Open          float64                  `json:"open"`
	High          float64                  `json:"high"`
	Low           float64                  `json:"low"`
	Close         float64                  `json:"close"`
	Volume        int64                    `json:"volume"`
	BuyVolume     int64                    `json:"buy_volume"`
	SellVolume    int64                    `json:"sell_volume"`
	Footprint     map[string]FootprintCell `json:"footprint"`
	// CVD is the per-instrument cumulative volume delta (buy minus sell
	// volume) as of the last tick applied to this bar.
	CVD int64 `json:"cvd"`
}

// Bucket returns the interval bucket index of a millisecond timestamp for the
// given interval length.
func Bucket(timestampMs, intervalSec int64) int64 {
	return timestampMs / 1000 / intervalSec
}

// Delta returns the bar's buy volume minus sell volume.
func (b Bar) Delta() int64 {
	return b.BuyVolume - b.SellVolume
}

// Bullish reports whether the bar closed at or above its open.
func (b Bar) Bullish() bool { return b.Close >= b.Open }

// Body returns the absolute open-to-close distance.
func (b Bar) Body() float64 {
	d := b.Close - b.Open
	if d < 0 {
		return -d
	}
	return d
}

// UpperWick returns the distance from the body top to the high.
func (b Bar) UpperWick() float64 {
	top := b.Open
	if b.Close > top {
		top = b.Close
	}
	return b.High - top
}

// LowerWick returns the distance from the body bottom to the low.
func (b Bar) LowerWick() float64 {
	bot := b.Open
	if b.Close < bot {
		bot = b.Close
	}
	return bot - b.Low
}
