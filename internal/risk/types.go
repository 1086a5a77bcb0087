package risk

import (
	"execution-core/internal/model"
	"execution-core/pkg/config"
)

// Caps are the risk limits in effect, fractions expressed against Capital.
type Caps struct {
	Capital          float64 `json:"capital"`
	PerTradeRisk     float64 `json:"per_trade_risk"`
	MaxPortfolioHeat float64 `json:"max_portfolio_heat"`
	MaxDailyLoss     float64 `json:"max_daily_loss"`
	MaxOpenPositions int     `json:"max_open_positions"`
	LotSize          float64 `json:"lot_size"`
	MinQty           float64 `json:"min_qty"`
}

// CapsFrom converts the risk section of a config snapshot.
func CapsFrom(r config.RiskSection) Caps {
	return Caps{
		Capital:          r.Capital,
		PerTradeRisk:     r.PerTradeRisk,
		MaxPortfolioHeat: r.MaxPortfolioHeat,
		MaxDailyLoss:     r.MaxDailyLoss,
		MaxOpenPositions: r.MaxOpenPositions,
		LotSize:          r.LotSize,
		MinQty:           r.MinQty,
	}
}

// State is the portfolio view the engine evaluates against.
type State struct {
	PortfolioHeat     float64 `json:"portfolio_heat"`
	OpenRisk          float64 `json:"open_risk"`
	DailyPnL          float64 `json:"daily_pnl"`
	RealizedPnL       float64 `json:"realized_pnl"`
	UnrealizedPnL     float64 `json:"unrealized_pnl"`
	OpenPositionCount int     `json:"open_position_count"`
	Day               string  `json:"day"`
	Caps              Caps    `json:"caps"`
}

// Evaluation is the engine's verdict for one signal.
type Evaluation struct {
	Approved bool         `json:"approved"`
	Reason   model.Reason `json:"reason"`
	Sizing   model.Sizing `json:"sizing"`
}

func reject(reason model.Reason, sizing model.Sizing) Evaluation {
	return Evaluation{Approved: false, Reason: reason, Sizing: sizing}
}
