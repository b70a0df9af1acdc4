package userstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/dialog"
	"github.com/zulandar/switchyard/internal/message"
	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := NewStore(StoreOpts{DB: gdb})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestNewStore_RequiresDB(t *testing.T) {
	if _, err := NewStore(StoreOpts{}); err == nil {
		t.Fatal("expected error for nil db")
	}
}

// --- Load/Save tests ---

func TestLoad_NotFound(t *testing.T) {
	s := testStore(t)
	_, _, err := s.Load(context.Background(), "B2C:nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	u, version, err := s.LoadOrNew(context.Background(), "B2C:nobody")
	if err != nil {
		t.Fatalf("LoadOrNew: %v", err)
	}
	if version != 0 || u.ID != "B2C:nobody" || u.Context == nil || u.Behaviors == nil {
		t.Errorf("LoadOrNew = %+v v%d, want empty user at version 0", u, version)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u := dialog.NewUser("B2C:u1")
	u.Context.Screen = "menu"
	u.Context.LastIntent = "pay"
	u.Context.Local.Start("GET_TOKEN", &message.Message{ID: 7, Name: message.NameServerAction}, base)
	u.Context.Local.Set("attempt", "2")
	u.Behaviors.Add("cb-1", dialog.Callback{BehaviorID: "token", ExpireTime: base.Add(5 * time.Second), ScenarioID: "global"})
	u.SaveSnapshot(7, u.Context.Local)

	v1, err := s.Save(ctx, u, 0)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if v1 != 1 {
		t.Errorf("version = %d, want 1", v1)
	}

	got, version, err := s.Load(ctx, "B2C:u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if version != 1 {
		t.Errorf("loaded version = %d, want 1", version)
	}
	if got.Context.Screen != "menu" || got.Context.LastIntent != "pay" {
		t.Errorf("context = %+v", got.Context)
	}
	if got.Context.Local.BaseEvent != "GET_TOKEN" || got.Context.Local.GetString("attempt") != "2" {
		t.Errorf("local = %+v", got.Context.Local)
	}
	if diff := cmp.Diff(u.Behaviors.IDs(), got.Behaviors.IDs()); diff != "" {
		t.Errorf("callbacks mismatch (-want +got):\n%s", diff)
	}
	cb, _ := got.Behaviors.Get("cb-1")
	if !cb.ExpireTime.Equal(base.Add(5 * time.Second)) {
		t.Errorf("ExpireTime = %v", cb.ExpireTime)
	}
	if _, ok := got.Snapshot(7); !ok {
		t.Error("snapshot for message 7 lost")
	}
}

func TestSave_OptimisticConcurrency(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u := dialog.NewUser("B2C:u1")
	if _, err := s.Save(ctx, u, 0); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	if _, err := s.Save(ctx, u, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("second insert err = %v, want ErrConflict", err)
	}

	a, va, _ := s.Load(ctx, "B2C:u1")
	b, vb, _ := s.Load(ctx, "B2C:u1")

	a.Context.Screen = "a"
	v2, err := s.Save(ctx, a, va)
	if err != nil {
		t.Fatalf("Save a: %v", err)
	}
	if v2 != 2 {
		t.Errorf("version = %d, want 2", v2)
	}

	b.Context.Screen = "b"
	if _, err := s.Save(ctx, b, vb); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale Save err = %v, want ErrConflict", err)
	}

	got, _, _ := s.Load(ctx, "B2C:u1")
	if got.Context.Screen != "a" {
		t.Errorf("Screen = %q, want a (stale write rejected)", got.Context.Screen)
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if _, err := s.Save(ctx, dialog.NewUser("B2C:u1"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "B2C:u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "B2C:u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
}

// --- DueForTimeout tests ---

func TestDueForTimeout(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	save := func(id string, expiries ...time.Duration) int64 {
		t.Helper()
		u := dialog.NewUser(id)
		for i, d := range expiries {
			u.Behaviors.Add(id+"-cb"+string(rune('a'+i)), dialog.Callback{ExpireTime: base.Add(d)})
		}
		v, err := s.Save(ctx, u, 0)
		if err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
		return v
	}
	save("late", 10*time.Second)
	save("soon", 3*time.Second, 20*time.Second)
	save("sooner", 2*time.Second)
	save("idle")

	ids, err := s.DueForTimeout(ctx, base.Add(5*time.Second), 10)
	if err != nil {
		t.Fatalf("DueForTimeout: %v", err)
	}
	if diff := cmp.Diff([]string{"sooner", "soon"}, ids); diff != "" {
		t.Errorf("due users mismatch (-want +got):\n%s", diff)
	}

	ids, _ = s.DueForTimeout(ctx, base.Add(time.Minute), 1)
	if len(ids) != 1 || ids[0] != "sooner" {
		t.Errorf("limited = %v, want [sooner]", ids)
	}

	// Clearing the callbacks takes the user off the due list.
	u, v, _ := s.Load(ctx, "sooner")
	u.Behaviors.Clear()
	if _, err := s.Save(ctx, u, v); err != nil {
		t.Fatal(err)
	}
	ids, _ = s.DueForTimeout(ctx, base.Add(5*time.Second), 10)
	if diff := cmp.Diff([]string{"soon"}, ids); diff != "" {
		t.Errorf("after clear (-want +got):\n%s", diff)
	}
}

// --- Exchange log tests ---

func TestExchangeLog(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, name := range []string{"ANSWER_TO_USER", "GET_TOKEN_REQUEST", "NOTHING_FOUND"} {
		entry := &models.ExchangeLog{
			UserID:       "B2C:u1",
			MessageID:    int64(i + 1),
			ResponseName: name,
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		}
		if err := s.LogExchange(ctx, entry); err != nil {
			t.Fatalf("LogExchange: %v", err)
		}
	}
	if err := s.LogExchange(ctx, &models.ExchangeLog{UserID: "B2C:u2", ResponseName: "ERROR"}); err != nil {
		t.Fatal(err)
	}

	logs, err := s.RecentExchanges(ctx, "B2C:u1", 2)
	if err != nil {
		t.Fatalf("RecentExchanges: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("len = %d, want 2", len(logs))
	}
	if logs[0].ResponseName != "NOTHING_FOUND" || logs[1].ResponseName != "GET_TOKEN_REQUEST" {
		t.Errorf("order = %s, %s; want newest first", logs[0].ResponseName, logs[1].ResponseName)
	}

	all, _ := s.RecentExchanges(ctx, "", 0)
	if len(all) != 4 {
		t.Errorf("all = %d, want 4", len(all))
	}
}
