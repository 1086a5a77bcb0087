package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
risk:
  capital: 500000
  per_trade_risk: 0.005
  max_portfolio_heat: 0.02
  max_daily_loss: 0.03
  max_open_positions: 4
  lot_size: 50
ledger:
  dedup_window: 30s
kill_switch:
  budget: 3s
`

func TestParseSnapshot(t *testing.T) {
	s, err := ParseSnapshot([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}
	if s.Risk.Capital != 500000 || s.Risk.LotSize != 50 {
		t.Fatalf("risk section not decoded: %+v", s.Risk)
	}
	if s.Risk.MinQty != 50 {
		t.Fatalf("min_qty should default to lot size, got %v", s.Risk.MinQty)
	}
	if s.Ledger.DedupWindow != 30*time.Second || s.KillSwitch.Budget != 3*time.Second {
		t.Fatalf("durations not decoded: %+v %+v", s.Ledger, s.KillSwitch)
	}
	if len(s.Version) != 12 {
		t.Fatalf("version=%q", s.Version)
	}

	again, _ := ParseSnapshot([]byte(sampleYAML))
	if again.Version != s.Version {
		t.Fatalf("same content must yield same version")
	}
	changed, _ := ParseSnapshot([]byte(sampleYAML + "\noco:\n  child_submit_attempts: 5\n"))
	if changed.Version == s.Version {
		t.Fatalf("different content must yield a new version")
	}
}

func TestParseSnapshotRejectsBadCaps(t *testing.T) {
	_, err := ParseSnapshot([]byte("risk:\n  per_trade_risk: 0.05\n  max_portfolio_heat: 0.01\n"))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestParseSnapshotRejectsBadLedger(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"ttl shorter than window", "ledger:\n  dedup_window: 1m\n  ttl: 10s\n"},
		{"negative window", "ledger:\n  dedup_window: -1m\n"},
		{"negative ttl", "ledger:\n  ttl: -1h\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSnapshot([]byte(tt.yaml)); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
	if _, err := ParseSnapshot([]byte("ledger:\n  dedup_window: 1m\n  ttl: 1m\n")); err != nil {
		t.Fatalf("equal ttl and window: %v", err)
	}
}

func TestLoadSnapshotMissingFileUsesDefaults(t *testing.T) {
	s, err := LoadSnapshot(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.Version != "default" {
		t.Fatalf("version=%q", s.Version)
	}
}

func TestLoadSnapshotFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.Risk.MaxOpenPositions != 4 {
		t.Fatalf("max_open_positions=%d", s.Risk.MaxOpenPositions)
	}
}

func TestRegistryFreeze(t *testing.T) {
	reg := NewRegistry(DefaultSnapshot())
	next, _ := ParseSnapshot([]byte(sampleYAML))

	version := reg.Freeze()
	if version != "default" {
		t.Fatalf("froze %q", version)
	}
	if err := reg.Apply(next); !errors.Is(err, ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
	if reg.Current().Version != "default" {
		t.Fatalf("frozen snapshot was replaced")
	}

	reg.Unfreeze()
	if err := reg.Apply(next); err != nil {
		t.Fatalf("Apply after unfreeze: %v", err)
	}
	if reg.Current().Version != next.Version {
		t.Fatalf("snapshot not swapped")
	}
}
