package risk

import (
	"math"

	"execution-core/internal/model"
)

// tolerance absorbs float noise when comparing fractions against caps.
const tolerance = 1e-9

// Size derives quantity from stop distance and the per-trade budget.
func Size(sig model.Signal, caps Caps) (model.Sizing, model.Reason) {
	f := sig.Features
	sizing := model.Sizing{
		EntryPrice:  f.EntryPrice,
		StopPrice:   f.StopPrice,
		TargetPrice: f.TargetPrice,
	}
	if f.EntryPrice <= 0 || caps.Capital <= 0 {
		return sizing, model.ReasonInvalidSignal
	}

	var distance float64
	switch sig.Side {
	case model.SideLong:
		distance = f.EntryPrice - f.StopPrice
	case model.SideShort:
		distance = f.StopPrice - f.EntryPrice
	default:
		return sizing, model.ReasonInvalidSignal
	}
	if f.StopPrice <= 0 || distance <= 0 || math.IsNaN(distance) || math.IsInf(distance, 0) {
		return sizing, model.ReasonInvalidStopDistance
	}
	sizing.StopDistance = distance

	// The target leg must sit on the profit side of entry.
	if (sig.Side == model.SideLong && f.TargetPrice <= f.EntryPrice) ||
		(sig.Side == model.SideShort && (f.TargetPrice <= 0 || f.TargetPrice >= f.EntryPrice)) {
		return sizing, model.ReasonInvalidSignal
	}

	lot := caps.LotSize
	if lot <= 0 {
		lot = 1
	}
	budget := caps.Capital * caps.PerTradeRisk
	qty := math.Floor(budget/distance/lot+tolerance) * lot
	if qty < caps.MinQty {
		qty = caps.MinQty
	}
	if qty <= 0 {
		qty = lot
	}
	sizing.Qty = qty
	sizing.RiskAmount = qty * distance
	sizing.RiskFraction = sizing.RiskAmount / caps.Capital
	return sizing, model.ReasonNone
}

// Evaluate is a pure function of its inputs. Checks run in order and the
// first violation wins: per-trade ceiling, heat ceiling, daily loss stop,
// position count.
func Evaluate(sig model.Signal, st State, caps Caps) Evaluation {
	sizing, reason := Size(sig, caps)
	if reason != model.ReasonNone {
		return reject(reason, sizing)
	}
	if sizing.RiskFraction > caps.PerTradeRisk+tolerance {
		return reject(model.ReasonPerTradeRiskExceeded, sizing)
	}
	if st.PortfolioHeat+sizing.RiskFraction > caps.MaxPortfolioHeat+tolerance {
		return reject(model.ReasonHeatCapExceeded, sizing)
	}
	if caps.MaxDailyLoss > 0 && st.DailyPnL <= -caps.MaxDailyLoss*caps.Capital {
		return reject(model.ReasonDailyLossStop, sizing)
	}
	if caps.MaxOpenPositions > 0 && st.OpenPositionCount >= caps.MaxOpenPositions {
		return reject(model.ReasonPositionCountCap, sizing)
	}
	return Evaluation{Approved: true, Reason: model.ReasonNone, Sizing: sizing}
}
