package conflict

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func mustStrategy(t *testing.T, id StrategyID) Strategy {
	t.Helper()
	strategy, err := NewRegistry().Get(id)
	if err != nil {
		t.Fatalf("failed to look up strategy %s: %v", id, err)
	}
	return strategy
}

func TestRegistryKnowsBuiltinStrategies(t *testing.T) {
	registry := NewRegistry()
	for _, id := range []StrategyID{
		StrategyTakeLocal, StrategyTakeServer, StrategyLastModifiedWins,
		StrategyMerge, StrategyCustom,
	} {
		if _, err := registry.Get(id); err != nil {
			t.Fatalf("expected builtin strategy %s: %v", id, err)
		}
	}
	if _, err := registry.Get("three_way"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

type fakeStrategy struct{ id StrategyID }

func (s fakeStrategy) ID() StrategyID { return s.id }

func (fakeStrategy) Apply(record Record, _ Resolution) (Applied, error) {
	return Applied{PayloadJSON: record.LocalPayloadJSON}, nil
}

func TestRegistryRejectsDuplicateRegistration(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(fakeStrategy{id: "field_priority"}); err != nil {
		t.Fatalf("unexpected error registering new strategy: %v", err)
	}
	err := registry.Register(fakeStrategy{id: "field_priority"})
	if !errors.Is(err, ErrDuplicateStrategy) {
		t.Fatalf("expected ErrDuplicateStrategy, got %v", err)
	}
	err = registry.Register(fakeStrategy{id: StrategyTakeLocal})
	if !errors.Is(err, ErrDuplicateStrategy) {
		t.Fatalf("expected builtin ids to be protected, got %v", err)
	}
}

func TestTakeLocalAndTakeServer(t *testing.T) {
	record := Record{
		Type:              TypeUpdateUpdate,
		LocalPayloadJSON:  `{"id":"task-1","title":"local"}`,
		ServerPayloadJSON: `{"id":"task-1","title":"server"}`,
	}

	applied, err := mustStrategy(t, StrategyTakeLocal).Apply(record, Resolution{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied.PayloadJSON != record.LocalPayloadJSON || applied.Deleted {
		t.Fatalf("unexpected take_local outcome: %+v", applied)
	}

	applied, err = mustStrategy(t, StrategyTakeServer).Apply(record, Resolution{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied.PayloadJSON != record.ServerPayloadJSON || applied.Deleted {
		t.Fatalf("unexpected take_server outcome: %+v", applied)
	}
}

func TestTakeLocalOnDeleteUpdateDeletes(t *testing.T) {
	record := Record{
		Type:              TypeDeleteUpdate,
		ServerPayloadJSON: `{"id":"task-1","title":"server"}`,
	}
	applied, err := mustStrategy(t, StrategyTakeLocal).Apply(record, Resolution{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied.Deleted {
		t.Fatalf("expected take_local to honor the local deletion")
	}
}

func TestLastModifiedWinsIsDeterministic(t *testing.T) {
	record := Record{
		Type:                    TypeUpdateUpdate,
		LocalPayloadJSON:        `{"id":"task-1","title":"local"}`,
		ServerPayloadJSON:       `{"id":"task-1","title":"server"}`,
		LocalModifiedAtSeconds:  1700000200,
		ServerModifiedAtSeconds: 1700000100,
	}
	strategy := mustStrategy(t, StrategyLastModifiedWins)

	first, err := strategy.Apply(record, Resolution{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.PayloadJSON != record.LocalPayloadJSON {
		t.Fatalf("expected the newer local side to win, got %s", first.PayloadJSON)
	}
	for i := 0; i < 5; i++ {
		again, err := strategy.Apply(record, Resolution{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if again != first {
			t.Fatalf("expected identical outcome on repeat application")
		}
	}
}

func TestLastModifiedWinsTieFavorsServer(t *testing.T) {
	record := Record{
		Type:                    TypeUpdateUpdate,
		LocalPayloadJSON:        `{"id":"task-1","title":"local"}`,
		ServerPayloadJSON:       `{"id":"task-1","title":"server"}`,
		LocalModifiedAtSeconds:  1700000100,
		ServerModifiedAtSeconds: 1700000100,
	}
	applied, err := mustStrategy(t, StrategyLastModifiedWins).Apply(record, Resolution{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied.PayloadJSON != record.ServerPayloadJSON {
		t.Fatalf("expected the server to win a timestamp tie, got %s", applied.PayloadJSON)
	}
}

func TestMergeDefaultsToServerWithLocalOverrides(t *testing.T) {
	record := Record{
		Type:              TypeUpdateUpdate,
		LocalPayloadJSON:  `{"id":"task-1","title":"local title","status":"done"}`,
		ServerPayloadJSON: `{"id":"task-1","title":"server title","status":"open"}`,
	}
	if err := record.SetFieldConflicts([]FieldConflict{
		{FieldName: "title", LocalValue: `"local title"`, ServerValue: `"server title"`, Kind: FieldKindModified},
		{FieldName: "status", LocalValue: `"done"`, ServerValue: `"open"`, Kind: FieldKindModified},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	applied, err := mustStrategy(t, StrategyMerge).Apply(record, Resolution{
		MergeRules: map[string]MergeRule{"title": MergeRuleLocal},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var merged map[string]any
	if err := json.Unmarshal([]byte(applied.PayloadJSON), &merged); err != nil {
		t.Fatalf("merge produced invalid JSON: %v", err)
	}
	expected := map[string]any{"id": "task-1", "title": "local title", "status": "open"}
	if !reflect.DeepEqual(merged, expected) {
		t.Fatalf("unexpected merge result: %v", merged)
	}
}

func TestMergeFallsBackToSurvivingSide(t *testing.T) {
	record := Record{
		Type:             TypeUpdateDelete,
		LocalPayloadJSON: `{"id":"task-1","title":"edited offline"}`,
	}
	applied, err := mustStrategy(t, StrategyMerge).Apply(record, Resolution{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied.PayloadJSON != record.LocalPayloadJSON {
		t.Fatalf("expected merge to keep the surviving local side, got %+v", applied)
	}
}

func TestCustomRequiresObjectPayload(t *testing.T) {
	strategy := mustStrategy(t, StrategyCustom)

	if _, err := strategy.Apply(Record{}, Resolution{}); !errors.Is(err, ErrCustomResolutionRequired) {
		t.Fatalf("expected ErrCustomResolutionRequired, got %v", err)
	}
	if _, err := strategy.Apply(Record{}, Resolution{CustomPayloadJSON: `"just a string"`}); err == nil {
		t.Fatalf("expected a shape error for a non-object payload")
	}

	applied, err := strategy.Apply(Record{}, Resolution{CustomPayloadJSON: `{"id":"task-1","title":"hand merged"}`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied.PayloadJSON != `{"id":"task-1","title":"hand merged"}` {
		t.Fatalf("expected the custom payload verbatim, got %s", applied.PayloadJSON)
	}
}
