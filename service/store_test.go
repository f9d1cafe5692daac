package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/contractlens/backend/config"
	"github.com/contractlens/backend/model"
)

func TestMemoryStoreSaveAndGet(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	contract := &model.Contract{
		ID:        "test-id-1",
		Filename:  "test.pdf",
		Tenant:    "tenant1",
		Status:    model.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := store.Save(ctx, contract); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	retrieved, err := store.Get(ctx, "test-id-1")
	if err != nil {
		t.Fatalf("Expected to retrieve contract: %v", err)
	}
	if retrieved.Filename != "test.pdf" {
		t.Errorf("Expected filename test.pdf, got %s", retrieved.Filename)
	}
	if retrieved.UpdatedAt.IsZero() {
		t.Error("Expected UpdatedAt to be stamped on save")
	}

	_, err = store.Get(ctx, "non-existent")
	if !errors.Is(err, ErrContractNotFound) {
		t.Errorf("Expected ErrContractNotFound, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	original := &model.Contract{ID: "copy", Tenant: "t", Status: model.StatusPending, CreatedAt: time.Now()}
	store.Save(ctx, original)
	original.Status = model.StatusFailed

	got, _ := store.Get(ctx, "copy")
	if got.Status != model.StatusPending {
		t.Errorf("Store shares memory with caller: status %s", got.Status)
	}

	got.Filename = "mutated.pdf"
	again, _ := store.Get(ctx, "copy")
	if again.Filename != "" {
		t.Errorf("Mutating a returned contract changed the store: %q", again.Filename)
	}
}

func TestMemoryStoreListByTenant(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()
	base := time.Now()

	store.Save(ctx, &model.Contract{ID: "1", Tenant: "tenant1", CreatedAt: base})
	store.Save(ctx, &model.Contract{ID: "2", Tenant: "tenant1", CreatedAt: base.Add(time.Minute)})
	store.Save(ctx, &model.Contract{ID: "3", Tenant: "tenant2", CreatedAt: base})

	tenant1, err := store.ListByTenant(ctx, "tenant1")
	if err != nil {
		t.Fatalf("ListByTenant failed: %v", err)
	}
	if len(tenant1) != 2 {
		t.Fatalf("Expected 2 contracts for tenant1, got %d", len(tenant1))
	}
	if tenant1[0].ID != "2" {
		t.Errorf("Expected newest contract first, got %s", tenant1[0].ID)
	}

	tenant2, _ := store.ListByTenant(ctx, "tenant2")
	if len(tenant2) != 1 {
		t.Errorf("Expected 1 contract for tenant2, got %d", len(tenant2))
	}

	tenant3, _ := store.ListByTenant(ctx, "tenant3")
	if tenant3 == nil || len(tenant3) != 0 {
		t.Errorf("Expected empty non-nil list for tenant3, got %v", tenant3)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	store.Save(ctx, &model.Contract{ID: "delete-me", CreatedAt: time.Now()})

	if err := store.Delete(ctx, "delete-me"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "delete-me"); !errors.Is(err, ErrContractNotFound) {
		t.Error("Expected contract to be deleted")
	}
	if err := store.Delete(ctx, "delete-me"); !errors.Is(err, ErrContractNotFound) {
		t.Errorf("Expected ErrContractNotFound on second delete, got %v", err)
	}
}

func TestMemoryStoreUpdateStatus(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	store.Save(ctx, &model.Contract{ID: "status-test", Status: model.StatusPending, CreatedAt: time.Now()})

	if err := store.UpdateStatus(ctx, "status-test", model.StatusProcessing, model.ProgressParsing, ""); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	contract, _ := store.Get(ctx, "status-test")
	if contract.Status != model.StatusProcessing || contract.Progress != model.ProgressParsing {
		t.Errorf("Expected processing/%d, got %s/%d", model.ProgressParsing, contract.Status, contract.Progress)
	}

	store.UpdateStatus(ctx, "status-test", model.StatusFailed, model.ProgressDone, "test error")
	contract, _ = store.Get(ctx, "status-test")
	if contract.ErrorMsg != "test error" {
		t.Errorf("Expected error msg 'test error', got '%s'", contract.ErrorMsg)
	}

	err := store.UpdateStatus(ctx, "non-existent", model.StatusCompleted, model.ProgressDone, "")
	if !errors.Is(err, ErrContractNotFound) {
		t.Errorf("Expected ErrContractNotFound, got %v", err)
	}
}

func TestMemoryStoreSetTaskID(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	store.Save(ctx, &model.Contract{ID: "task", CreatedAt: time.Now()})
	if err := store.SetTaskID(ctx, "task", "mineru-1"); err != nil {
		t.Fatalf("SetTaskID failed: %v", err)
	}

	contract, _ := store.Get(ctx, "task")
	if contract.MineruTaskID != "mineru-1" {
		t.Errorf("Expected task id mineru-1, got %s", contract.MineruTaskID)
	}
}

func TestMemoryStoreUpdateExtraction(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	store.Save(ctx, &model.Contract{
		ID:        "extraction-test",
		Status:    model.StatusProcessing,
		Progress:  model.ProgressTextExtracted,
		ErrorMsg:  "stale",
		CreatedAt: time.Now(),
	})

	extraction := &model.Extraction{
		PartyIdentification: json.RawMessage(`{"customer":"Acme"}`),
		ConfidenceScores:    map[string]float64{"party": 0.9},
		Score:               22.5,
	}
	if err := store.UpdateExtraction(ctx, "extraction-test", extraction); err != nil {
		t.Fatalf("UpdateExtraction failed: %v", err)
	}

	contract, _ := store.Get(ctx, "extraction-test")
	if contract.Status != model.StatusCompleted {
		t.Errorf("Expected status %s, got %s", model.StatusCompleted, contract.Status)
	}
	if contract.Progress != model.ProgressDone {
		t.Errorf("Expected progress %d, got %d", model.ProgressDone, contract.Progress)
	}
	if contract.ErrorMsg != "" {
		t.Errorf("Expected error message to be cleared, got %q", contract.ErrorMsg)
	}
	if contract.Extraction == nil || contract.Extraction.Score != 22.5 {
		t.Fatalf("Expected extraction to be stored, got %+v", contract.Extraction)
	}

	extraction.ConfidenceScores["party"] = 0.1
	contract, _ = store.Get(ctx, "extraction-test")
	if contract.Extraction.ConfidenceScores["party"] != 0.9 {
		t.Error("Stored extraction shares memory with caller")
	}

	err := store.UpdateExtraction(ctx, "non-existent", extraction)
	if !errors.Is(err, ErrContractNotFound) {
		t.Errorf("Expected ErrContractNotFound, got %v", err)
	}
}

func TestMemoryStoreAutoCleanup(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		store.Save(ctx, &model.Contract{
			ID:        string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	if store.Count() != 3 {
		t.Errorf("Expected 3 contracts after cleanup, got %d", store.Count())
	}
	for _, id := range []string{"a", "b"} {
		if _, err := store.Get(ctx, id); !errors.Is(err, ErrContractNotFound) {
			t.Errorf("Expected old contract %q to be removed", id)
		}
	}
	if _, err := store.Get(ctx, "e"); err != nil {
		t.Errorf("Expected newest contract to survive: %v", err)
	}
}

func TestMemoryStoreUnlimitedContracts(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		store.Save(ctx, &model.Contract{ID: fmt.Sprintf("c-%d", i), CreatedAt: time.Now()})
	}

	if store.Count() != 10 {
		t.Errorf("Expected 10 contracts, got %d", store.Count())
	}
}

func TestMemoryStoreConcurrentUpdates(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	store.Save(ctx, &model.Contract{ID: "shared", CreatedAt: time.Now()})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.UpdateStatus(ctx, "shared", model.StatusProcessing, i, "")
			store.Get(ctx, "shared")
			store.ListByTenant(ctx, "")
		}(i)
	}
	wg.Wait()

	contract, err := store.Get(ctx, "shared")
	if err != nil || contract.Status != model.StatusProcessing {
		t.Errorf("Unexpected final state: %+v, %v", contract, err)
	}
}

func TestNewStoreSelectsDriver(t *testing.T) {
	store, err := NewStore(context.Background(), &config.StoreConfig{Driver: config.StoreMemory, MaxContracts: 5})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("Expected *MemoryStore, got %T", store)
	}

	_, err = NewStore(context.Background(), &config.StoreConfig{Driver: config.StoreRedis, RedisURL: "not a url"})
	if err == nil {
		t.Error("Expected error for invalid redis URL")
	}
}
