package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWorker_LoadAsyncCreatesRecord(t *testing.T) {
	s := NewMemoryStore()
	w := NewWorker(s, "srv1", 8, time.Second)
	w.Start()
	defer w.Stop(context.Background())

	got := make(chan *Record, 1)
	if err := w.LoadAsync(testID, func(rec *Record, err error) {
		if err != nil {
			t.Errorf("load: %v", err)
		}
		got <- rec
	}); err != nil {
		t.Fatalf("LoadAsync: %v", err)
	}

	select {
	case rec := <-got:
		if rec == nil || rec.Identity != testID || rec.ServerID != "srv1" {
			t.Errorf("unexpected record %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("load callback not invoked")
	}
	if s.Len() != 1 {
		t.Errorf("expected record to be created, store has %d", s.Len())
	}
}

func TestWorker_SaveIsOrdered(t *testing.T) {
	s := NewMemoryStore()
	w := NewWorker(s, "srv1", 64, time.Second)
	w.Start()

	ctx := context.Background()
	rec := &Record{ServerID: "srv1", Identity: testID}
	for _, salt := range []string{"a", "b", "c"} {
		rec.Salt = salt
		if err := w.Save(ctx, rec); err != nil {
			t.Fatalf("Save(%s): %v", salt, err)
		}
	}

	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got, err := s.Load(ctx, "srv1", testID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Salt != "c" {
		t.Errorf("expected last saved salt, got %q", got.Salt)
	}
}

func TestWorker_StopRefusesNewJobs(t *testing.T) {
	w := NewWorker(NewMemoryStore(), "srv1", 8, time.Second)
	w.Start()
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	err := w.Save(context.Background(), &Record{ServerID: "srv1", Identity: testID})
	if !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("expected ErrWorkerStopped, got %v", err)
	}
	if err := w.LoadAsync(testID, func(*Record, error) {}); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("expected ErrWorkerStopped, got %v", err)
	}
}

func TestWorker_QueueFull(t *testing.T) {
	w := NewWorker(NewMemoryStore(), "srv1", 1, time.Second)
	// Not started: the single slot fills and the next submit is refused.
	if err := w.LoadAsync(testID, func(*Record, error) {}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := w.LoadAsync(testID, func(*Record, error) {}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
