package cron

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func seedExecutions(t *testing.T, store ExecutionStore, n int, jobID string, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		exec := &Execution{
			ID:        fmt.Sprintf("%s-exec-%03d", jobID, i),
			JobID:     jobID,
			Status:    ExecutionSucceeded,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Create(context.Background(), exec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	store := NewMemoryExecutionStore()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	seedExecutions(t, store, 3, "job-a", base)
	seedExecutions(t, store, 2, "job-b", base.Add(time.Hour))

	all, err := store.List(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 executions, got %d", len(all))
	}
	if all[0].ID != "job-b-exec-001" {
		t.Errorf("newest first = %q, want job-b-exec-001", all[0].ID)
	}

	onlyA, err := store.List(context.Background(), "job-a", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(onlyA) != 3 {
		t.Fatalf("expected 3 job-a executions, got %d", len(onlyA))
	}
	for _, exec := range onlyA {
		if exec.JobID != "job-a" {
			t.Errorf("filter leak: got job %q", exec.JobID)
		}
	}

	limited, err := store.List(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 executions with limit, got %d", len(limited))
	}
}

func TestMemoryStoreUpdate(t *testing.T) {
	store := NewMemoryExecutionStore()
	exec := &Execution{ID: "e1", JobID: "j1", Status: ExecutionRunning, StartedAt: time.Now()}
	if err := store.Create(context.Background(), exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	exec.Status = ExecutionFailed
	exec.Error = "boom"
	if err := store.Update(context.Background(), exec); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := store.List(context.Background(), "j1", 1)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].Status != ExecutionFailed || got[0].Error != "boom" {
		t.Fatalf("update not applied: %+v", got)
	}

	// Updating an unknown id is a no-op, not an insert.
	if err := store.Update(context.Background(), &Execution{ID: "ghost", JobID: "j1"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, _ = store.List(context.Background(), "", 0)
	if len(got) != 1 {
		t.Fatalf("ghost update inserted a row: %d executions", len(got))
	}
}

func TestMemoryStoreBounded(t *testing.T) {
	store := NewMemoryExecutionStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedExecutions(t, store, memoryKeep+10, "job-a", base)

	all, err := store.List(context.Background(), "", memoryKeep*2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != memoryKeep {
		t.Fatalf("expected ring bound %d, got %d", memoryKeep, len(all))
	}
	// The oldest entries fall off.
	for _, exec := range all {
		if exec.ID == "job-a-exec-000" {
			t.Error("oldest execution should have been dropped")
		}
	}
}

func TestMemoryStorePrune(t *testing.T) {
	store := NewMemoryExecutionStore()
	old := &Execution{ID: "old", JobID: "j", StartedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &Execution{ID: "fresh", JobID: "j", StartedAt: time.Now()}
	store.Create(context.Background(), old)
	store.Create(context.Background(), fresh)

	pruned, err := store.Prune(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	got, _ := store.List(context.Background(), "", 0)
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Fatalf("expected only fresh execution, got %+v", got)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron", "executions.db")
	store, err := NewSQLiteExecutionStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteExecutionStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	started := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	exec := &Execution{ID: "e1", JobID: "j1", Status: ExecutionRunning, StartedAt: started}
	if err := store.Create(ctx, exec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	exec.Status = ExecutionSucceeded
	exec.CompletedAt = started.Add(2 * time.Second)
	exec.Duration = 2 * time.Second
	exec.Output = "200 OK"
	if err := store.Update(ctx, exec); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	seedExecutions(t, store, 2, "j2", started.Add(time.Hour))

	got, err := store.List(ctx, "j1", 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 j1 execution, got %d", len(got))
	}
	if got[0].Status != ExecutionSucceeded || got[0].Output != "200 OK" {
		t.Errorf("round trip lost fields: %+v", got[0])
	}
	if !got[0].StartedAt.Equal(started) {
		t.Errorf("startedAt = %v, want %v", got[0].StartedAt, started)
	}
	if got[0].Duration != 2*time.Second {
		t.Errorf("duration = %v, want 2s", got[0].Duration)
	}

	all, err := store.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(all))
	}
	if all[0].JobID != "j2" {
		t.Errorf("newest first = %+v", all[0])
	}
}

func TestSQLiteStorePrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executions.db")
	store, err := NewSQLiteExecutionStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteExecutionStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	store.Create(ctx, &Execution{ID: "old", JobID: "j", StartedAt: time.Now().Add(-48 * time.Hour)})
	store.Create(ctx, &Execution{ID: "fresh", JobID: "j", StartedAt: time.Now()})

	pruned, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	got, _ := store.List(ctx, "", 10)
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Fatalf("expected only fresh execution, got %d rows", len(got))
	}
}
