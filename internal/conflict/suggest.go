package conflict

import (
	"context"
	"sort"
)

// RiskLevel grades how likely a strategy is to discard wanted data.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Suggestion ranks one strategy candidate for a conflict. Suggestions inform
// a UI decision; they are never applied automatically.
type Suggestion struct {
	Strategy   StrategyID `json:"strategy"`
	Confidence float64    `json:"confidence"`
	Risk       RiskLevel  `json:"risk"`
	Pros       []string   `json:"pros"`
	Cons       []string   `json:"cons"`
}

// Suggest returns ranked strategy candidates for a pending conflict.
func (r *Resolver) Suggest(ctx context.Context, conflictID string) ([]Suggestion, error) {
	record, err := r.store.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	return suggestionsFor(record), nil
}

func suggestionsFor(record Record) []Suggestion {
	suggestions := []Suggestion{
		{
			Strategy:   StrategyLastModifiedWins,
			Confidence: 0.8,
			Risk:       RiskLow,
			Pros:       []string{"deterministic", "keeps the most recent edit"},
			Cons:       []string{"discards the older side entirely"},
		},
		{
			Strategy:   StrategyTakeServer,
			Confidence: 0.5,
			Risk:       RiskLow,
			Pros:       []string{"restores the authoritative server state"},
			Cons:       []string{"local edits are lost"},
		},
		{
			Strategy:   StrategyTakeLocal,
			Confidence: 0.4,
			Risk:       RiskMedium,
			Pros:       []string{"preserves offline work"},
			Cons:       []string{"overwrites server-side changes"},
		},
		{
			Strategy:   StrategyCustom,
			Confidence: 0.2,
			Risk:       RiskHigh,
			Pros:       []string{"full control over the outcome"},
			Cons:       []string{"requires manual entity construction"},
		},
	}

	if record.Type == TypeUpdateUpdate || record.Type == TypeCreateCreate {
		merge := Suggestion{
			Strategy:   StrategyMerge,
			Confidence: 0.6,
			Risk:       RiskMedium,
			Pros:       []string{"combines non-overlapping edits from both sides"},
			Cons:       []string{"diverged fields default to the server value"},
		}
		if record.Complexity == ComplexitySimple {
			merge.Confidence = 0.7
		}
		suggestions = append(suggestions, merge)
	}

	if record.Type == TypeUpdateDelete {
		for i := range suggestions {
			if suggestions[i].Strategy == StrategyTakeLocal {
				suggestions[i].Confidence = 0.55
				suggestions[i].Pros = append(suggestions[i].Pros, "restores an entity the server deleted")
			}
		}
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Confidence > suggestions[j].Confidence
	})
	return suggestions
}
