package engine

import (
	"log/slog"
	"time"

	"github.com/quantgrid/flowbot/internal/domain"
)

// maxBrokenWalls bounds the per-instrument broken-wall history.
const maxBrokenWalls = 5

// OrderFlowDetector tracks resting-order walls per book side, accumulates
// absorption at the wall price, records walls broken by price trading through
// them, and raises failed-auction (reclaim) candidates when a broken level is
// re-crossed in the opposite direction.
//
// Wall lifecycle per side: no wall → active → (broken | faded) → no wall.
type OrderFlowDetector struct {
	bigWallRatio      float64
	absorptionMinQty  int64
	minWallDurability time.Duration
	priceDecimals     int

	clock  domain.Clock
	logger *slog.Logger
}

// NewOrderFlowDetector creates an OrderFlowDetector. All time reads go
// through the supplied clock so replay can drive the durability checks with
// simulated time.
func NewOrderFlowDetector(bigWallRatio float64, absorptionMinQty int64, minWallDurabilitySec, priceDecimals int, clock domain.Clock, logger *slog.Logger) *OrderFlowDetector {
	return &OrderFlowDetector{
		bigWallRatio:      bigWallRatio,
		absorptionMinQty:  absorptionMinQty,
		minWallDurability: time.Duration(minWallDurabilitySec) * time.Second,
		priceDecimals:     priceDecimals,
		clock:             clock,
		logger:            logger.With(slog.String("component", "orderflow_detector")),
	}
}

// OnTick runs the wall state machine for both book sides against the tick and
// returns the resulting events. Reclaim candidates (failed auctions) are
// included and must be routed through signal confirmation by the caller.
func (d *OrderFlowDetector) OnTick(st *InstrumentState, tick domain.Tick) []domain.OrderFlowEvent {
	var events []domain.OrderFlowEvent

	events = append(events, d.trackSide(st, domain.SideBid, tick.Bids, tick)...)
	events = append(events, d.trackSide(st, domain.SideAsk, tick.Asks, tick)...)
	events = append(events, d.absorb(st, tick)...)
	events = append(events, d.reclaims(st, tick)...)

	return events
}

// trackSide applies the wall lifecycle transitions for one side of the book.
func (d *OrderFlowDetector) trackSide(st *InstrumentState, side domain.BookSide, levels []domain.BookLevel, tick domain.Tick) []domain.OrderFlowEvent {
	now := d.clock.Now()
	wall := st.Wall(side)

	maxLevel, ratioHolds := d.findWall(levels)

	if ratioHolds {
		switch {
		case wall == nil:
			st.SetWall(side, &domain.WallState{
				Price:     maxLevel.Price,
				Qty:       maxLevel.Qty,
				Side:      side,
				CreatedAt: now,
			})
			return []domain.OrderFlowEvent{{
				Kind:          domain.EventWallDetected,
				InstrumentKey: st.Key,
				Price:         maxLevel.Price,
				Side:          side,
				Qty:           maxLevel.Qty,
				At:            now,
			}}
		case samePrice(wall.Price, maxLevel.Price, d.priceDecimals):
			if maxLevel.Qty > wall.Qty {
				wall.Qty = maxLevel.Qty
				d.logger.Debug("wall reload",
					slog.String("instrument", st.Key),
					slog.String("side", string(side)),
					slog.Float64("price", wall.Price),
					slog.Int64("qty", maxLevel.Qty),
				)
				return []domain.OrderFlowEvent{{
					Kind:          domain.EventWallReload,
					InstrumentKey: st.Key,
					Price:         wall.Price,
					Side:          side,
					Qty:           maxLevel.Qty,
					At:            now,
				}}
			}
			wall.Qty = maxLevel.Qty
			return nil
		default:
			// A wall at a different price replaces the old one. The old
			// wall was pulled, not traded through, so no break is recorded.
			st.SetWall(side, &domain.WallState{
				Price:     maxLevel.Price,
				Qty:       maxLevel.Qty,
				Side:      side,
				CreatedAt: now,
			})
			return []domain.OrderFlowEvent{{
				Kind:          domain.EventWallDetected,
				InstrumentKey: st.Key,
				Price:         maxLevel.Price,
				Side:          side,
				Qty:           maxLevel.Qty,
				At:            now,
			}}
		}
	}

	if wall == nil {
		return nil
	}

	// Ratio no longer holds: broken if price traded through the wall,
	// otherwise the wall simply faded.
	if tradedThrough(side, wall.Price, tick.Price) {
		st.SetWall(side, nil)
		broken := &domain.BrokenWall{
			Price:      wall.Price,
			Side:       side,
			BrokenAt:   now,
			Durability: now.Sub(wall.CreatedAt),
			Active:     true,
		}
		st.BrokenWalls = append(st.BrokenWalls, broken)
		if len(st.BrokenWalls) > maxBrokenWalls {
			st.BrokenWalls = st.BrokenWalls[len(st.BrokenWalls)-maxBrokenWalls:]
		}
		return []domain.OrderFlowEvent{{
			Kind:          domain.EventWallBroken,
			InstrumentKey: st.Key,
			Price:         wall.Price,
			Side:          side,
			Qty:           wall.Qty,
			At:            now,
		}}
	}

	st.SetWall(side, nil)
	return nil
}

// findWall returns the largest level and whether it dominates the mean of the
// remaining levels by at least bigWallRatio. Books with fewer than two levels
// never qualify.
func (d *OrderFlowDetector) findWall(levels []domain.BookLevel) (domain.BookLevel, bool) {
	if len(levels) < 2 {
		return domain.BookLevel{}, false
	}
	maxIdx := 0
	var total int64
	for i, l := range levels {
		total += l.Qty
		if l.Qty > levels[maxIdx].Qty {
			maxIdx = i
		}
	}
	maxLevel := levels[maxIdx]
	avgOthers := float64(total-maxLevel.Qty) / float64(len(levels)-1)
	if avgOthers <= 0 {
		return domain.BookLevel{}, false
	}
	return maxLevel, float64(maxLevel.Qty)/avgOthers >= d.bigWallRatio
}

// absorb accumulates traded volume at an active wall's price and emits an
// absorption event each time the configured quantity is crossed. The counter
// resets on every emission; the wall stays active, so absorption can repeat.
func (d *OrderFlowDetector) absorb(st *InstrumentState, tick domain.Tick) []domain.OrderFlowEvent {
	if tick.Qty <= 0 {
		return nil
	}
	var events []domain.OrderFlowEvent
	for _, side := range []domain.BookSide{domain.SideBid, domain.SideAsk} {
		wall := st.Wall(side)
		if wall == nil || !samePrice(wall.Price, tick.Price, d.priceDecimals) {
			continue
		}
		wall.TestedVolume += tick.Qty
		if wall.TestedVolume >= d.absorptionMinQty {
			wall.TestedVolume = 0
			kind := domain.EventAbsorptionBid
			if side == domain.SideAsk {
				kind = domain.EventAbsorptionAsk
			}
			events = append(events, domain.OrderFlowEvent{
				Kind:          kind,
				InstrumentKey: st.Key,
				Price:         wall.Price,
				Side:          side,
				Qty:           wall.Qty,
				At:            d.clock.Now(),
			})
		}
	}
	return events
}

// reclaims checks every active broken wall for a failed auction: the break
// must be older than the minimum durability window and price must have
// crossed back over the wall price against the break direction. Each broken
// wall fires at most once.
func (d *OrderFlowDetector) reclaims(st *InstrumentState, tick domain.Tick) []domain.OrderFlowEvent {
	now := d.clock.Now()
	var events []domain.OrderFlowEvent
	for _, bw := range st.BrokenWalls {
		if !bw.Active || now.Sub(bw.BrokenAt) < d.minWallDurability {
			continue
		}
		switch bw.Side {
		case domain.SideBid:
			// Bid-wall break pushed price below the level; a close back
			// above it is the failed auction.
			if tick.Price > bw.Price {
				bw.Active = false
				events = append(events, domain.OrderFlowEvent{
					Kind:          domain.EventFailedAuctionBuy,
					InstrumentKey: st.Key,
					Price:         tick.Price,
					Side:          bw.Side,
					At:            now,
				})
			}
		case domain.SideAsk:
			if tick.Price < bw.Price {
				bw.Active = false
				events = append(events, domain.OrderFlowEvent{
					Kind:          domain.EventFailedAuctionSell,
					InstrumentKey: st.Key,
					Price:         tick.Price,
					Side:          bw.Side,
					At:            now,
				})
			}
		}
	}
	return events
}

// tradedThrough reports whether a print at price pierces a wall on the given
// side: below a bid wall, above an ask wall.
func tradedThrough(side domain.BookSide, wallPrice, price float64) bool {
	if side == domain.SideBid {
		return price < wallPrice
	}
	return price > wallPrice
}

// samePrice compares two prices at footprint-bin precision so float noise
// never splits a level.
func samePrice(a, b float64, decimals int) bool {
	eps := 0.5
	for i := 0; i < decimals; i++ {
		eps /= 10
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < eps
}
