package replay

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/eventfold/eventfold/errs"
)

// MemoryRunStore is an in-memory RunStore for tests and the dev profile.
type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[string]Run
}

// NewMemoryRunStore creates an empty run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]Run)}
}

// Begin implements RunStore.
func (s *MemoryRunStore) Begin(ctx context.Context, run Run) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run store context: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runs {
		if existing.State == StateRunning &&
			existing.TargetKind == run.TargetKind &&
			existing.TargetName == run.TargetName {
			return errs.New("replay/begin", errs.CodeReplayInProgress,
				errs.WithMessage(fmt.Sprintf("replay %s already running for %s %q",
					existing.ID, run.TargetKind, run.TargetName)))
		}
	}
	s.runs[run.ID] = run
	return nil
}

// Save implements RunStore.
func (s *MemoryRunStore) Save(ctx context.Context, run Run) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run store context: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return errs.New("replay/save", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("replay run %s not found", run.ID)))
	}
	s.runs[run.ID] = run
	return nil
}

// Get implements RunStore.
func (s *MemoryRunStore) Get(ctx context.Context, id string) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, fmt.Errorf("run store context: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, errs.New("replay/get", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("replay run %s not found", id)))
	}
	return run, nil
}

// List implements RunStore.
func (s *MemoryRunStore) List(ctx context.Context, limit int) ([]Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run store context: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ RunStore = (*MemoryRunStore)(nil)
