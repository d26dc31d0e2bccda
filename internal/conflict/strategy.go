package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// StrategyID names a registered resolution strategy.
type StrategyID string

const (
	StrategyTakeLocal        StrategyID = "take_local"
	StrategyTakeServer       StrategyID = "take_server"
	StrategyLastModifiedWins StrategyID = "last_modified_wins"
	StrategyMerge            StrategyID = "merge"
	StrategyCustom           StrategyID = "custom"
)

var (
	// ErrUnknownStrategy indicates no strategy is registered under the id.
	ErrUnknownStrategy = errors.New("conflict: unknown strategy")
	// ErrCustomResolutionRequired indicates the custom strategy was invoked
	// without a caller-supplied entity.
	ErrCustomResolutionRequired = errors.New("conflict: custom strategy requires a resolved entity")
	// ErrDuplicateStrategy indicates a strategy id was registered twice.
	ErrDuplicateStrategy = errors.New("conflict: strategy already registered")
)

// MergeRule overrides the merge strategy's default for one field.
type MergeRule string

const (
	MergeRuleLocal  MergeRule = "local"
	MergeRuleServer MergeRule = "server"
)

// Resolution carries caller-supplied inputs for a resolve call.
type Resolution struct {
	// CustomPayloadJSON is the caller's resolved entity, used verbatim by the
	// custom strategy.
	CustomPayloadJSON string
	// MergeRules overrides the merge strategy's server-wins default per field.
	MergeRules map[string]MergeRule
}

// Applied is the entity state a strategy decided on.
type Applied struct {
	PayloadJSON string
	Deleted     bool
}

// Strategy decides the surviving entity state for a conflict. Strategies are
// deterministic: the same record and resolution always produce the same
// outcome.
type Strategy interface {
	ID() StrategyID
	Apply(record Record, resolution Resolution) (Applied, error)
}

// Registry maps strategy ids to implementations. Adding a strategy means
// registering it, not extending a dispatch switch.
type Registry struct {
	mu         sync.RWMutex
	strategies map[StrategyID]Strategy
}

// NewRegistry returns a registry preloaded with the built-in strategies.
func NewRegistry() *Registry {
	registry := &Registry{strategies: make(map[StrategyID]Strategy)}
	for _, strategy := range []Strategy{
		takeLocalStrategy{},
		takeServerStrategy{},
		lastModifiedWinsStrategy{},
		mergeStrategy{},
		customStrategy{},
	} {
		registry.strategies[strategy.ID()] = strategy
	}
	return registry
}

// Register adds a strategy under its own id.
func (r *Registry) Register(strategy Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[strategy.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, strategy.ID())
	}
	r.strategies[strategy.ID()] = strategy
	return nil
}

// Get looks up a strategy by id.
func (r *Registry) Get(id StrategyID) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	strategy, ok := r.strategies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	return strategy, nil
}

// IDs returns the registered strategy ids.
func (r *Registry) IDs() []StrategyID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]StrategyID, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	return ids
}

type takeLocalStrategy struct{}

func (takeLocalStrategy) ID() StrategyID { return StrategyTakeLocal }

func (takeLocalStrategy) Apply(record Record, _ Resolution) (Applied, error) {
	if !record.LocalPresent() {
		return Applied{Deleted: true}, nil
	}
	return Applied{PayloadJSON: record.LocalPayloadJSON}, nil
}

type takeServerStrategy struct{}

func (takeServerStrategy) ID() StrategyID { return StrategyTakeServer }

func (takeServerStrategy) Apply(record Record, _ Resolution) (Applied, error) {
	if !record.ServerPresent() {
		return Applied{Deleted: true}, nil
	}
	return Applied{PayloadJSON: record.ServerPayloadJSON}, nil
}

type lastModifiedWinsStrategy struct{}

func (lastModifiedWinsStrategy) ID() StrategyID { return StrategyLastModifiedWins }

// Apply picks the later-modified side. Ties favor the server, which carries
// the globally ordered clock.
func (lastModifiedWinsStrategy) Apply(record Record, resolution Resolution) (Applied, error) {
	if record.LocalModifiedAtSeconds > record.ServerModifiedAtSeconds {
		return takeLocalStrategy{}.Apply(record, resolution)
	}
	return takeServerStrategy{}.Apply(record, resolution)
}

type mergeStrategy struct{}

func (mergeStrategy) ID() StrategyID { return StrategyMerge }

// Apply merges field by field. Fields outside the recorded diff carry either
// value; diverged fields default to the server value unless a per-field rule
// says otherwise. Delete-type conflicts fall back to the surviving side.
func (mergeStrategy) Apply(record Record, resolution Resolution) (Applied, error) {
	if !record.ServerPresent() {
		return takeLocalStrategy{}.Apply(record, resolution)
	}
	if !record.LocalPresent() {
		return takeServerStrategy{}.Apply(record, resolution)
	}

	merged := map[string]any{}
	if record.ServerPayloadJSON != "" {
		if err := json.Unmarshal([]byte(record.ServerPayloadJSON), &merged); err != nil {
			return Applied{}, fmt.Errorf("conflict: merge decode server payload: %w", err)
		}
	}

	fields, err := record.FieldConflicts()
	if err != nil {
		return Applied{}, err
	}
	for _, field := range fields {
		rule := resolution.MergeRules[field.FieldName]
		if rule != MergeRuleLocal {
			continue
		}
		if field.LocalValue == "" {
			delete(merged, field.FieldName)
			continue
		}
		var value any
		if err := json.Unmarshal([]byte(field.LocalValue), &value); err != nil {
			return Applied{}, fmt.Errorf("conflict: merge decode field %s: %w", field.FieldName, err)
		}
		merged[field.FieldName] = value
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return Applied{}, fmt.Errorf("conflict: merge encode: %w", err)
	}
	return Applied{PayloadJSON: string(encoded)}, nil
}

type customStrategy struct{}

func (customStrategy) ID() StrategyID { return StrategyCustom }

// Apply uses the caller's entity verbatim. Shape is checked, content is not.
func (customStrategy) Apply(_ Record, resolution Resolution) (Applied, error) {
	if resolution.CustomPayloadJSON == "" {
		return Applied{}, ErrCustomResolutionRequired
	}
	var shape map[string]any
	if err := json.Unmarshal([]byte(resolution.CustomPayloadJSON), &shape); err != nil {
		return Applied{}, fmt.Errorf("conflict: custom resolution is not a JSON object: %w", err)
	}
	return Applied{PayloadJSON: resolution.CustomPayloadJSON}, nil
}
