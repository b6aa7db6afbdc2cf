package preferences

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"localdream/db"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(db.NewRepository(database, nil), nil)
}

func TestStore_GetDefaults(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p, ok, err := s.Get(ctx, "sd15")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("fresh model reported as saved")
	}
	if p != Defaults("", "") {
		t.Errorf("Get() = %+v", p)
	}

	if _, _, err := s.Get(ctx, ""); !errors.Is(err, ErrNoModel) {
		t.Errorf("empty id: %v", err)
	}
}

func TestStore_SaveAllAndColumns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	want := Preferences{
		Prompt:          "castle",
		NegativePrompt:  "blurry",
		Steps:           30,
		CFG:             5.5,
		Seed:            "1234",
		Size:            512,
		DenoiseStrength: 0.4,
	}
	if err := s.SaveAll(ctx, "sd15", want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Get(ctx, "sd15")
	if err != nil || !ok || got != want {
		t.Fatalf("Get() = %+v, %v, %v", got, ok, err)
	}

	if err := s.SavePrompt(ctx, "sd15", "tower"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveNegativePrompt(ctx, "sd15", "noise"); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.Get(ctx, "sd15")
	want.Prompt, want.NegativePrompt = "tower", "noise"
	if got != want {
		t.Errorf("after column saves = %+v", got)
	}

	// A prompt alone creates a row holding defaults for everything else.
	if err := s.SavePrompt(ctx, "other", "hello"); err != nil {
		t.Fatal(err)
	}
	got, ok, _ = s.Get(ctx, "other")
	if !ok || got != Defaults("hello", "") {
		t.Errorf("other = %+v, %v", got, ok)
	}
}

func TestStore_Reset(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.SaveAll(ctx, "sd15", Preferences{Prompt: "x", Steps: 50, CFG: 12, Seed: "9", Size: 768, DenoiseStrength: 0.9})

	p, err := s.Reset(ctx, "sd15", "default prompt", "default negative")
	if err != nil {
		t.Fatal(err)
	}
	want := Preferences{
		Prompt:          "default prompt",
		NegativePrompt:  "default negative",
		Steps:           20,
		CFG:             7,
		Seed:            "",
		Size:            256,
		DenoiseStrength: 0.6,
	}
	if p != want {
		t.Errorf("Reset() = %+v", p)
	}
	got, _, _ := s.Get(ctx, "sd15")
	if got != want {
		t.Errorf("stored = %+v", got)
	}
}

func TestStore_Clear(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SaveAll(ctx, "sd15", Preferences{Prompt: "x", Steps: 50, CFG: 12, Size: 768}); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(ctx, "sd15"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, saved, err := s.Get(ctx, "sd15")
	if err != nil {
		t.Fatal(err)
	}
	if saved {
		t.Error("row still present after Clear")
	}
	if got.Steps != 20 || got.Size != 256 {
		t.Errorf("Get after Clear = %+v, want defaults", got)
	}
	if err := s.Clear(ctx, ""); !errors.Is(err, ErrNoModel) {
		t.Errorf("Clear(\"\") = %v, want ErrNoModel", err)
	}
}

func TestDebouncer_CoalescesToLatest(t *testing.T) {
	d := NewDebouncer(40 * time.Millisecond)
	defer d.Close()

	var mu sync.Mutex
	var ran []int
	done := make(chan struct{}, 5)
	for i := 1; i <= 5; i++ {
		i := i
		d.Schedule(func() {
			mu.Lock()
			ran = append(ran, i)
			mu.Unlock()
			done <- struct{}{}
		})
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced call never ran")
	}
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 1 || ran[0] != 5 {
		t.Errorf("ran = %v, want [5]", ran)
	}
}

func TestDebouncer_WaitsForQuietPeriod(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Close()

	start := time.Now()
	fired := make(chan time.Time, 1)
	d.Schedule(func() { fired <- time.Now() })

	select {
	case at := <-fired:
		if at.Sub(start) < 45*time.Millisecond {
			t.Errorf("fired after %v, before the quiet period", at.Sub(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never fired")
	}
	if d.Pending() {
		t.Error("still pending after firing")
	}
}

func TestDebouncer_FlushCancelClose(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(time.Hour)

	d.Schedule(func() { calls.Add(1) })
	if !d.Pending() {
		t.Fatal("expected a pending call")
	}
	d.Flush()
	if calls.Load() != 1 {
		t.Fatalf("Flush ran %d calls", calls.Load())
	}
	d.Flush()
	if calls.Load() != 1 {
		t.Fatal("second Flush ran again")
	}

	d.Schedule(func() { calls.Add(10) })
	d.Cancel()
	d.Flush()
	if calls.Load() != 1 {
		t.Fatalf("cancelled call ran: %d", calls.Load())
	}

	d.Schedule(func() { calls.Add(100) })
	d.Close()
	if calls.Load() != 101 {
		t.Fatalf("Close did not flush: %d", calls.Load())
	}
	if d.Schedule(func() { calls.Add(1000) }) {
		t.Error("Schedule accepted after Close")
	}
}
