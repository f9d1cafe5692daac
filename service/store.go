package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/contractlens/backend/config"
	"github.com/contractlens/backend/model"
)

// ErrContractNotFound is returned when no contract has the requested id
var ErrContractNotFound = errors.New("contract not found")

// Store persists contracts and their processing state. Implementations
// hand out copies, so callers may keep or modify what they get back.
type Store interface {
	Save(ctx context.Context, contract *model.Contract) error
	Get(ctx context.Context, id string) (*model.Contract, error)
	// ListByTenant returns a tenant's contracts, newest first
	ListByTenant(ctx context.Context, tenant string) ([]*model.Contract, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id, status string, progress int, errMsg string) error
	SetTaskID(ctx context.Context, id, taskID string) error
	// UpdateExtraction stores the result and marks the contract completed
	UpdateExtraction(ctx context.Context, id string, extraction *model.Extraction) error
}

// NewStore builds the store selected in configuration
func NewStore(ctx context.Context, cfg *config.StoreConfig) (Store, error) {
	if cfg.Driver == config.StoreRedis {
		return NewRedisStore(ctx, cfg)
	}
	return NewMemoryStore(cfg.MaxContracts), nil
}

// MemoryStore keeps contracts in process memory
type MemoryStore struct {
	contracts    map[string]*model.Contract
	mu           sync.RWMutex
	maxContracts int // Maximum contracts to keep, 0 = unlimited
}

func NewMemoryStore(maxContracts int) *MemoryStore {
	if maxContracts < 0 {
		maxContracts = 0
	}
	slog.Info("contract store initialized", "driver", config.StoreMemory, "max_contracts", maxContracts)
	return &MemoryStore{
		contracts:    make(map[string]*model.Contract),
		maxContracts: maxContracts,
	}
}

func (s *MemoryStore) Save(_ context.Context, contract *model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := contract.Clone()
	stored.UpdatedAt = time.Now()
	s.contracts[stored.ID] = stored

	s.cleanupIfNeeded()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListByTenant(_ context.Context, tenant string) ([]*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*model.Contract{}
	for _, c := range s.contracts {
		if c.Tenant == tenant {
			result = append(result, c.Clone())
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[id]; !ok {
		return ErrContractNotFound
	}
	delete(s.contracts, id)
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id, status string, progress int, errMsg string) error {
	return s.update(id, func(c *model.Contract) {
		c.Status = status
		c.Progress = progress
		c.ErrorMsg = errMsg
	})
}

func (s *MemoryStore) SetTaskID(_ context.Context, id, taskID string) error {
	return s.update(id, func(c *model.Contract) {
		c.MineruTaskID = taskID
	})
}

func (s *MemoryStore) UpdateExtraction(_ context.Context, id string, extraction *model.Extraction) error {
	return s.update(id, func(c *model.Contract) {
		c.Extraction = extraction.Clone()
		c.Status = model.StatusCompleted
		c.Progress = model.ProgressDone
		c.ErrorMsg = ""
	})
}

func (s *MemoryStore) update(id string, apply func(*model.Contract)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		return ErrContractNotFound
	}
	apply(c)
	c.UpdatedAt = time.Now()
	return nil
}

// cleanupIfNeeded removes oldest contracts if store exceeds maxContracts
// Must be called with lock held
func (s *MemoryStore) cleanupIfNeeded() {
	if s.maxContracts <= 0 || len(s.contracts) <= s.maxContracts {
		return
	}

	contracts := make([]*model.Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		contracts = append(contracts, c)
	}
	sort.Slice(contracts, func(i, j int) bool {
		return contracts[i].CreatedAt.Before(contracts[j].CreatedAt)
	})

	removeCount := len(contracts) - s.maxContracts
	for i := 0; i < removeCount; i++ {
		slog.Info("auto-cleaning old contract",
			"contract_id", contracts[i].ID,
			"created_at", contracts[i].CreatedAt,
		)
		delete(s.contracts, contracts[i].ID)
	}
}

// Count returns the number of contracts in the store
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contracts)
}

func sortNewestFirst(contracts []*model.Contract) {
	sort.SliceStable(contracts, func(i, j int) bool {
		if contracts[i].CreatedAt.Equal(contracts[j].CreatedAt) {
			return contracts[i].ID < contracts[j].ID
		}
		return contracts[i].CreatedAt.After(contracts[j].CreatedAt)
	})
}
