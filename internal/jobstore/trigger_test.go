package jobstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTriggerRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Config{})
	ctx := context.Background()

	next := time.Now().Add(5 * time.Minute).Truncate(time.Nanosecond)
	trig := Trigger{
		ID:       "t1",
		Kind:     TriggerCron,
		CronExpr: "*/5 * * * *",
		NextRun:  next,
		Template: JobSpec{
			Name:       "refresh",
			Target:     "https://a.test/feed",
			Handler:    "http",
			Priority:   3,
			MaxRetries: 2,
			Metadata:   map[string]string{"section": "news"},
		},
	}
	if err := s.SaveTrigger(ctx, trig); err != nil {
		t.Fatalf("SaveTrigger: %v", err)
	}

	list, err := s.ListTriggers(ctx)
	if err != nil {
		t.Fatalf("ListTriggers: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d triggers, want 1", len(list))
	}
	got := list[0]
	if got.Kind != TriggerCron || got.CronExpr != "*/5 * * * *" {
		t.Fatalf("kind/expr = %s %q", got.Kind, got.CronExpr)
	}
	if !got.NextRun.Equal(next) {
		t.Fatalf("next_run = %v, want %v", got.NextRun, next)
	}
	if got.Template.Name != "refresh" || got.Template.Priority != 3 {
		t.Fatalf("template = %+v", got.Template)
	}
	if got.Template.Metadata["section"] != "news" {
		t.Fatalf("metadata = %v", got.Template.Metadata)
	}

	// Save again with the same id updates in place.
	trig.Template.Priority = 7
	if err := s.SaveTrigger(ctx, trig); err != nil {
		t.Fatalf("SaveTrigger upsert: %v", err)
	}
	list, _ = s.ListTriggers(ctx)
	if len(list) != 1 || list[0].Template.Priority != 7 {
		t.Fatalf("upsert result = %+v", list)
	}
}

func TestTriggerKinds(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Config{})
	ctx := context.Background()

	runAt := time.Now().Add(time.Hour)
	triggers := []Trigger{
		{ID: "iv", Kind: TriggerInterval, Every: 30 * time.Second, NextRun: time.Now(),
			Template: NewJobSpec("poll", "https://a.test", "http")},
		{ID: "os", Kind: TriggerOneShot, RunAt: runAt, NextRun: runAt,
			Template: NewJobSpec("once", "https://b.test", "http")},
	}
	for _, trig := range triggers {
		if err := s.SaveTrigger(ctx, trig); err != nil {
			t.Fatalf("SaveTrigger(%s): %v", trig.ID, err)
		}
	}

	list, err := s.ListTriggers(ctx)
	if err != nil {
		t.Fatalf("ListTriggers: %v", err)
	}
	byID := map[string]Trigger{}
	for _, trig := range list {
		byID[trig.ID] = trig
	}
	if got := byID["iv"]; got.Every != 30*time.Second {
		t.Fatalf("interval round trip: %v", got.Every)
	}
	if got := byID["os"]; !got.RunAt.Equal(runAt) {
		t.Fatalf("one-shot round trip: %v, want %v", got.RunAt, runAt)
	}
}

func TestTriggerMutations(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, Config{})
	ctx := context.Background()

	trig := Trigger{
		ID: "m", Kind: TriggerInterval, Every: time.Minute, NextRun: time.Now(),
		Template: NewJobSpec("poll", "https://a.test", "http"),
	}
	if err := s.SaveTrigger(ctx, trig); err != nil {
		t.Fatalf("SaveTrigger: %v", err)
	}

	next := time.Now().Add(time.Minute)
	if err := s.UpdateTriggerNextRun(ctx, "m", next); err != nil {
		t.Fatalf("UpdateTriggerNextRun: %v", err)
	}
	if err := s.SetTriggerPaused(ctx, "m", true); err != nil {
		t.Fatalf("SetTriggerPaused: %v", err)
	}
	list, _ := s.ListTriggers(ctx)
	if !list[0].Paused {
		t.Fatal("trigger not paused")
	}
	if !list[0].NextRun.Equal(next) {
		t.Fatalf("next_run = %v, want %v", list[0].NextRun, next)
	}

	if err := s.DeleteTrigger(ctx, "m"); err != nil {
		t.Fatalf("DeleteTrigger: %v", err)
	}
	if err := s.DeleteTrigger(ctx, "m"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteTrigger twice = %v, want ErrNotFound", err)
	}
	if err := s.UpdateTriggerNextRun(ctx, "m", next); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateTriggerNextRun on missing = %v, want ErrNotFound", err)
	}
	if err := s.SetTriggerPaused(ctx, "m", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetTriggerPaused on missing = %v, want ErrNotFound", err)
	}
}
