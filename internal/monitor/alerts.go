package monitor

import (
	"fmt"

	"go.uber.org/zap"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the engine log.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(message string) error {
	if s.Logger == nil {
		return fmt.Errorf("log sink has no logger")
	}
	s.Logger.Warn("operator alert", zap.String("message", message))
	return nil
}

// Rule inspects a sample and returns a message when it fires.
type Rule struct {
	Name  string
	Check func(Sample) (bool, string)
}

// DefaultRules warn before the hard caps are reached. The caps themselves
// are enforced by the risk engine.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "heat_near_cap", Check: func(s Sample) (bool, string) {
			limit := s.Risk.Caps.MaxPortfolioHeat
			if limit <= 0 || s.Risk.PortfolioHeat < 0.9*limit {
				return false, ""
			}
			return true, fmt.Sprintf("portfolio heat %.4f is within 10%% of the %.4f cap", s.Risk.PortfolioHeat, limit)
		}},
		{Name: "daily_loss_near_stop", Check: func(s Sample) (bool, string) {
			stop := s.Risk.Caps.MaxDailyLoss * s.Risk.Caps.Capital
			if stop <= 0 || s.Risk.DailyPnL > -0.8*stop {
				return false, ""
			}
			return true, fmt.Sprintf("daily P&L %.2f has used 80%% of the %.2f loss stop", s.Risk.DailyPnL, stop)
		}},
		{Name: "not_ready", Check: func(s Sample) (bool, string) {
			if !s.Leader || s.Readiness.Ready {
				return false, ""
			}
			var stale []string
			for _, f := range s.Readiness.Feeds {
				if !f.Fresh {
					stale = append(stale, string(f.Feed))
				}
			}
			return true, fmt.Sprintf("leader is not ready, stale feeds %v", stale)
		}},
	}
}
