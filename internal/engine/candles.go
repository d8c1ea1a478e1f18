package engine

import "github.com/quantgrid/flowbot/internal/domain"

// Candlestick pattern geometry. Pure tests on open/high/low/close; nothing
// here looks at volume or external state.

// isBullishEngulfing reports whether cur's bullish body engulfs prev's
// bearish body.
func isBullishEngulfing(prev, cur domain.Bar) bool {
	if prev.Close >= prev.Open || cur.Close <= cur.Open {
		return false
	}
	return cur.Open <= prev.Close && cur.Close >= prev.Open && cur.Body() > prev.Body()
}

// isBearishEngulfing reports whether cur's bearish body engulfs prev's
// bullish body.
func isBearishEngulfing(prev, cur domain.Bar) bool {
	if prev.Close <= prev.Open || cur.Close >= cur.Open {
		return false
	}
	return cur.Open >= prev.Close && cur.Close <= prev.Open && cur.Body() > prev.Body()
}

// isHammer reports a small body at the top of the range with a lower wick at
// least twice the body.
func isHammer(b domain.Bar) bool {
	body := b.Body()
	if body <= 0 {
		return false
	}
	return b.LowerWick() >= 2*body && b.UpperWick() <= body
}

// isShootingStar reports a small body at the bottom of the range with an
// upper wick at least twice the body.
func isShootingStar(b domain.Bar) bool {
	body := b.Body()
	if body <= 0 {
		return false
	}
	return b.UpperWick() >= 2*body && b.LowerWick() <= body
}

// confirmsBuy reports whether the two most recent closed bars show a bullish
// reversal pattern.
func confirmsBuy(prev, cur domain.Bar) bool {
	return isBullishEngulfing(prev, cur) || isHammer(cur)
}

// confirmsSell reports whether the two most recent closed bars show a bearish
// reversal pattern.
func confirmsSell(prev, cur domain.Bar) bool {
	return isBearishEngulfing(prev, cur) || isShootingStar(cur)
}
