package engine

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/quantgrid/flowbot/internal/domain"
)

// PositionRiskManager owns the single open position per instrument. It is the
// only component that creates, mutates or removes positions; everything else
// observes the emitted TradeSignal/TradeExit events.
type PositionRiskManager struct {
	orderQty          int64
	stopLossPct       float64
	rrRatio           float64
	trailingArmR      float64
	trailingDistance  float64
	timeStop          time.Duration
	timeStopProgressR float64

	clock  domain.Clock
	logger *slog.Logger
}

// RiskConfig bundles the risk-manager thresholds.
type RiskConfig struct {
	OrderQty          int64
	StopLossPct       float64
	RRRatio           float64
	TrailingArmR      float64
	TrailingDistance  float64
	TimeStopSec       int
	TimeStopProgressR float64
}

// NewPositionRiskManager creates a PositionRiskManager.
func NewPositionRiskManager(cfg RiskConfig, clock domain.Clock, logger *slog.Logger) *PositionRiskManager {
	return &PositionRiskManager{
		orderQty:          cfg.OrderQty,
		stopLossPct:       cfg.StopLossPct,
		rrRatio:           cfg.RRRatio,
		trailingArmR:      cfg.TrailingArmR,
		trailingDistance:  cfg.TrailingDistance,
		timeStop:          time.Duration(cfg.TimeStopSec) * time.Second,
		timeStopProgressR: cfg.TimeStopProgressR,
		clock:             clock,
		logger:            logger.With(slog.String("component", "risk_manager")),
	}
}

// DefaultStop derives a stop-loss from the entry price when the candidate
// carries none: a fixed fraction below (buys) or above (sells) entry.
func (m *PositionRiskManager) DefaultStop(side domain.PositionSide, price float64) float64 {
	if side == domain.SideLong {
		return price * (1 - m.stopLossPct)
	}
	return price * (1 + m.stopLossPct)
}

// Open opens a position. A same-side open position makes this a no-op. An
// opposite-side position is closed first at the current price with reason
// REVERSAL; the returned exit is non-nil in that case. Take-profit is derived
// from the stop distance and the configured reward-to-risk ratio.
func (m *PositionRiskManager) Open(st *InstrumentState, side domain.PositionSide, price, stopLoss float64, reason domain.ReasonCode) (*domain.TradeSignal, *domain.TradeExit, error) {
	m.checkIntegrity(st)

	var reversalExit *domain.TradeExit
	if pos := st.Position; pos != nil {
		if pos.Side == side {
			return nil, nil, fmt.Errorf("risk_manager: %s: %w", st.Key, domain.ErrPositionExists)
		}
		exit, err := m.Close(st, pos.TradeID, price, domain.ReasonReversal)
		if err != nil {
			return nil, nil, err
		}
		reversalExit = exit
	}

	riskDist := math.Abs(price - stopLoss)
	if riskDist == 0 {
		return nil, reversalExit, fmt.Errorf("risk_manager: %s: zero risk distance", st.Key)
	}
	takeProfit := price + riskDist*m.rrRatio
	if side == domain.SideShort {
		takeProfit = price - riskDist*m.rrRatio
	}

	now := m.clock.Now()
	pos := &domain.Position{
		TradeID:       uuid.NewString(),
		InstrumentKey: st.Key,
		Side:          side,
		EntryPrice:    price,
		EntryTime:     now,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
		Qty:           m.orderQty,
	}
	st.Position = pos

	m.logger.Info("position opened",
		slog.String("instrument", st.Key),
		slog.String("trade_id", pos.TradeID),
		slog.String("side", string(side)),
		slog.Float64("entry", price),
		slog.Float64("stop_loss", stopLoss),
		slog.Float64("take_profit", takeProfit),
		slog.String("reason", string(reason)),
	)

	return &domain.TradeSignal{
		TradeID:       pos.TradeID,
		InstrumentKey: st.Key,
		Side:          side,
		Price:         price,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
		Qty:           pos.Qty,
		Reason:        reason,
		Timestamp:     now,
	}, reversalExit, nil
}

// CheckIntrabarExit tests the open position against a bar's (or tick's)
// high/low. When both the stop and the target are touched within the same
// range, the stop wins: worst-case ordering is assumed. Exactly one of
// SL_HIT/TP_HIT is reported.
func (m *PositionRiskManager) CheckIntrabarExit(st *InstrumentState, high, low float64) *domain.TradeExit {
	m.checkIntegrity(st)
	pos := st.Position
	if pos == nil {
		return nil
	}

	var slHit, tpHit bool
	if pos.Side == domain.SideLong {
		slHit = low <= pos.StopLoss
		tpHit = high >= pos.TakeProfit
	} else {
		slHit = high >= pos.StopLoss
		tpHit = low <= pos.TakeProfit
	}

	switch {
	case slHit:
		exit, _ := m.Close(st, pos.TradeID, pos.StopLoss, domain.ReasonStopLoss)
		return exit
	case tpHit:
		exit, _ := m.Close(st, pos.TradeID, pos.TakeProfit, domain.ReasonTakeProfit)
		return exit
	default:
		return nil
	}
}

// ApplyTrailing arms the trailing stop once unrealized profit reaches the
// configured multiple of initial risk, moving the stop to breakeven; with a
// trailing distance configured it then follows price at that fixed distance.
// The stop only ever tightens.
func (m *PositionRiskManager) ApplyTrailing(st *InstrumentState, price float64) {
	pos := st.Position
	if pos == nil {
		return
	}

	if !pos.TrailingArmed {
		risk := math.Abs(pos.EntryPrice - pos.StopLoss)
		if risk <= 0 {
			return
		}
		profit := price - pos.EntryPrice
		if pos.Side == domain.SideShort {
			profit = pos.EntryPrice - price
		}
		if profit < m.trailingArmR*risk {
			return
		}
		pos.TrailingArmed = true
		if pos.Side == domain.SideLong && pos.EntryPrice > pos.StopLoss {
			pos.StopLoss = pos.EntryPrice
		} else if pos.Side == domain.SideShort && pos.EntryPrice < pos.StopLoss {
			pos.StopLoss = pos.EntryPrice
		}
		m.logger.Debug("trailing armed, stop moved to breakeven",
			slog.String("instrument", st.Key),
			slog.String("trade_id", pos.TradeID),
		)
		return
	}

	if m.trailingDistance <= 0 {
		return
	}
	if pos.Side == domain.SideLong {
		if trailed := price - m.trailingDistance; trailed > pos.StopLoss {
			pos.StopLoss = trailed
		}
	} else {
		if trailed := price + m.trailingDistance; trailed < pos.StopLoss {
			pos.StopLoss = trailed
		}
	}
}

// ApplyTimeStop force-closes a stale position that has been open beyond the
// time threshold without progressing meaningfully (a guard against time-decay
// bleed). A position that already armed its trailing stop is exempt.
func (m *PositionRiskManager) ApplyTimeStop(st *InstrumentState, price float64) *domain.TradeExit {
	pos := st.Position
	if pos == nil || m.timeStop <= 0 || pos.TrailingArmed {
		return nil
	}
	now := m.clock.Now()
	if now.Sub(pos.EntryTime) < m.timeStop {
		return nil
	}

	risk := math.Abs(pos.EntryPrice - pos.StopLoss)
	profit := price - pos.EntryPrice
	if pos.Side == domain.SideShort {
		profit = pos.EntryPrice - price
	}
	if risk > 0 && profit >= m.timeStopProgressR*risk {
		return nil
	}

	exit, _ := m.Close(st, pos.TradeID, price, domain.ReasonTimeStop)
	return exit
}

// Close closes the open position identified by tradeID at exitPrice and
// returns the TradeExit. Closing an unknown trade is a reported, non-fatal
// error the caller logs and ignores.
func (m *PositionRiskManager) Close(st *InstrumentState, tradeID string, exitPrice float64, reason domain.ReasonCode) (*domain.TradeExit, error) {
	pos := st.Position
	if pos == nil {
		return nil, fmt.Errorf("risk_manager: %s: close %s: %w", st.Key, tradeID, domain.ErrNoPosition)
	}
	if pos.TradeID != tradeID {
		return nil, fmt.Errorf("risk_manager: %s: close %s: %w", st.Key, tradeID, domain.ErrUnknownTrade)
	}

	pnl := pos.PnL(exitPrice)
	st.Position = nil

	m.logger.Info("position closed",
		slog.String("instrument", st.Key),
		slog.String("trade_id", tradeID),
		slog.String("side", string(pos.Side)),
		slog.Float64("exit", exitPrice),
		slog.Float64("pnl", pnl),
		slog.String("reason", string(reason)),
	)

	return &domain.TradeExit{
		TradeID:       tradeID,
		InstrumentKey: st.Key,
		Side:          pos.Side,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     exitPrice,
		Qty:           pos.Qty,
		PnL:           pnl,
		Reason:        reason,
		Timestamp:     m.clock.Now(),
	}, nil
}

// checkIntegrity drops structurally corrupt position state so a bad record
// can never crash the lane or leak into other instruments.
func (m *PositionRiskManager) checkIntegrity(st *InstrumentState) {
	if st.Position != nil && !st.Position.Valid() {
		m.logger.Error("corrupted position state dropped",
			slog.String("instrument", st.Key),
			slog.String("error", domain.ErrStateCorruption.Error()),
		)
		st.Position = nil
	}
}
