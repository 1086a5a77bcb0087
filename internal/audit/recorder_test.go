package audit

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"execution-core/internal/events"
	"execution-core/pkg/clock"
	"execution-core/pkg/db"
)

func newRecorder(t *testing.T, dir string) (*Recorder, *db.Database, *events.Bus) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	rec := NewRecorder(database, bus, Options{
		InstanceID:  "inst-a",
		Version:     func() string { return "v1" },
		IncidentDir: dir,
		Clock:       clock.NewManual(time.Unix(1_700_000_000, 0)),
	})
	return rec, database, bus
}

func TestAppendStampsAndPublishes(t *testing.T) {
	rec, _, bus := newRecorder(t, "")
	ch, unsub := bus.Subscribe(events.EventAudit, 4)
	defer unsub()
	ctx := context.Background()

	first, err := rec.Append(ctx, Entry{Kind: KindDecision, SignalID: "s1", Outcome: "APPROVED", Detail: map[string]float64{"qty": 25}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, _ := rec.Append(ctx, Entry{Kind: KindDuplicate, SignalID: "s1"})
	if first.Seq == 0 || second.Seq <= first.Seq {
		t.Fatalf("seq not increasing: %d, %d", first.Seq, second.Seq)
	}
	if first.InstanceID != "inst-a" || first.ConfigVersion != "v1" {
		t.Fatalf("entry not stamped: %+v", first)
	}
	if got := (<-ch).(Entry); got.ID != first.ID {
		t.Fatalf("published %s, want %s", got.ID, first.ID)
	}

	recent, err := rec.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Kind != KindDuplicate {
		t.Fatalf("recent=%+v", recent)
	}
	var detail map[string]float64
	if err := json.Unmarshal(recent[1].Detail.(json.RawMessage), &detail); err != nil || detail["qty"] != 25 {
		t.Fatalf("detail=%v err=%v", recent[1].Detail, err)
	}
}

func TestIncidentBundlesStateAndIsImmutable(t *testing.T) {
	dir := t.TempDir()
	rec, database, _ := newRecorder(t, dir)
	ctx := context.Background()
	rec.SetStateFunc(func(context.Context) State {
		return State{Positions: []string{"NIFTY"}, OpenGroups: []string{"g1"}}
	})
	rec.Append(ctx, Entry{Kind: KindOrder, GroupID: "g1"})

	snap, err := rec.Incident(ctx, "orphan_detected", map[string]string{"group_id": "g1"})
	if err != nil {
		t.Fatalf("Incident: %v", err)
	}
	if len(snap.RecentAudit) != 1 || snap.ConfigVersion != "v1" {
		t.Fatalf("snapshot=%+v", snap)
	}

	files, err := os.ReadDir(dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("incident files=%v err=%v", files, err)
	}
	if n, _ := database.CountAudit(ctx, string(KindIncident)); n != 1 {
		t.Fatalf("incident audit entries=%d", n)
	}

	stored, err := rec.Incidents(ctx, 5)
	if err != nil || len(stored) != 1 || stored[0].Trigger != "orphan_detected" {
		t.Fatalf("stored=%+v err=%v", stored, err)
	}

	if _, err := database.DB.ExecContext(ctx, `UPDATE incidents SET trigger_kind = 'x'`); err == nil {
		t.Fatalf("incident update must be rejected")
	}
	if _, err := database.DB.ExecContext(ctx, `DELETE FROM audit_entries`); err == nil {
		t.Fatalf("audit delete must be rejected")
	}
}
