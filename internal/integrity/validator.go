// Package integrity scans the local replica for structural problems that are
// independent of any single sync run: dangling references, duplicate natural
// keys, checksum divergence, and local changes that lost their queue entry.
package integrity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/harborlab/driftsync/internal/queue"
	"github.com/harborlab/driftsync/internal/replica"
)

// Kind classifies one integrity issue.
type Kind string

const (
	KindMissingReference    Kind = "missing_reference"
	KindOrphanedRecord      Kind = "orphaned_record"
	KindDuplicateRecord     Kind = "duplicate_record"
	KindInvalidData         Kind = "invalid_data"
	KindConstraintViolation Kind = "constraint_violation"
	KindVersionMismatch     Kind = "version_mismatch"
	KindChecksumMismatch    Kind = "checksum_mismatch"
)

// Severity grades an issue's impact on replica trustworthiness.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// OverallStatus summarizes a full report.
type OverallStatus string

const (
	StatusHealthy     OverallStatus = "healthy"
	StatusMinorIssues OverallStatus = "minor_issues"
	StatusMajorIssues OverallStatus = "major_issues"
	StatusCritical    OverallStatus = "critical"
)

// Issue is one detected problem.
type Issue struct {
	ID            string   `json:"id"`
	EntityType    string   `json:"entity_type"`
	EntityID      string   `json:"entity_id,omitempty"`
	Kind          Kind     `json:"kind"`
	Severity      Severity `json:"severity"`
	Description   string   `json:"description"`
	IsAutoFixable bool     `json:"is_auto_fixable"`
	SuggestedFix  string   `json:"suggested_fix,omitempty"`
}

// Report is the outcome of one full-replica scan.
type Report struct {
	GeneratedAtSeconds int64         `json:"generated_at_s"`
	Status             OverallStatus `json:"status"`
	EntitiesScanned    int           `json:"entities_scanned"`
	Issues             []Issue       `json:"issues"`
}

// TypeRule configures per-entity-type structural expectations.
type TypeRule struct {
	// ReferenceField names the payload field holding the parent entity id.
	ReferenceField string
	// ParentType is the entity type the reference must resolve against.
	ParentType string
	// NaturalKeyField names the payload field that must be unique and non-empty.
	NaturalKeyField string
}

// DefaultRules returns the structural rules for the default entity types.
func DefaultRules() map[string]TypeRule {
	return map[string]TypeRule{
		"projects": {NaturalKeyField: "name"},
		"tasks":    {ReferenceField: "project_id", ParentType: "projects", NaturalKeyField: "title"},
	}
}

var (
	// ErrMissingReplica indicates the validator was constructed without a replica store.
	ErrMissingReplica = errors.New("integrity: replica store is required")
	// ErrMissingIDProvider indicates the validator was constructed without an id provider.
	ErrMissingIDProvider = errors.New("integrity: id provider is required")
	// ErrNotAutoFixable indicates a repair was requested for a manual-only issue.
	ErrNotAutoFixable = errors.New("integrity: issue is not auto-fixable")
)

// IDProvider issues identifiers for integrity issues.
type IDProvider interface {
	NewID() (string, error)
}

// Config carries validator construction dependencies.
type Config struct {
	Replica    *replica.Store
	Queue      *queue.Queue
	IDProvider IDProvider
	Rules      map[string]TypeRule
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Validator scans the replica and optionally repairs auto-fixable issues.
type Validator struct {
	replica    *replica.Store
	queue      *queue.Queue
	idProvider IDProvider
	rules      map[string]TypeRule
	clock      func() time.Time
	logger     *zap.Logger
}

// NewValidator constructs a validator.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.Replica == nil {
		return nil, ErrMissingReplica
	}
	if cfg.IDProvider == nil {
		return nil, ErrMissingIDProvider
	}
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		replica:    cfg.Replica,
		queue:      cfg.Queue,
		idProvider: cfg.IDProvider,
		rules:      rules,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Scan walks the full replica and reports every structural problem found.
func (v *Validator) Scan(ctx context.Context) (Report, error) {
	entities, err := v.replica.All(ctx)
	if err != nil {
		return Report{}, err
	}

	report := Report{GeneratedAtSeconds: v.clock().UTC().Unix(), EntitiesScanned: len(entities)}

	idsByType := make(map[string]map[string]struct{})
	for _, entity := range entities {
		if idsByType[entity.EntityType] == nil {
			idsByType[entity.EntityType] = make(map[string]struct{})
		}
		idsByType[entity.EntityType][entity.EntityID] = struct{}{}
	}

	naturalKeys := make(map[string]string)
	for _, entity := range entities {
		issues, err := v.scanEntity(ctx, entity, idsByType, naturalKeys)
		if err != nil {
			return Report{}, err
		}
		report.Issues = append(report.Issues, issues...)
	}

	report.Status = statusFor(report.Issues)
	return report, nil
}

func (v *Validator) scanEntity(ctx context.Context, entity replica.Entity, idsByType map[string]map[string]struct{}, naturalKeys map[string]string) ([]Issue, error) {
	var issues []Issue

	if entity.Checksum != "" && entity.Checksum != replica.Checksum(entity.PayloadJSON) {
		issue, err := v.newIssue(entity, KindChecksumMismatch, SeverityCritical,
			"stored checksum does not match recomputed payload digest", true,
			"recompute and store the payload checksum")
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(entity.PayloadJSON), &payload); err != nil {
		issue, issueErr := v.newIssue(entity, KindInvalidData, SeverityCritical,
			fmt.Sprintf("payload is not a JSON object: %v", err), false, "")
		if issueErr != nil {
			return nil, issueErr
		}
		return append(issues, issue), nil
	}

	rule, hasRule := v.rules[entity.EntityType]
	if hasRule {
		refIssues, err := v.checkReference(entity, rule, idsByType)
		if err != nil {
			return nil, err
		}
		issues = append(issues, refIssues...)

		keyIssues, err := v.checkNaturalKey(entity, rule, payload, naturalKeys)
		if err != nil {
			return nil, err
		}
		issues = append(issues, keyIssues...)
	}

	if entity.Dirty && v.queue != nil {
		pending, _, err := v.queue.HasPendingForEntity(ctx, entity.EntityType, entity.EntityID)
		if err != nil {
			return nil, err
		}
		if !pending {
			issue, err := v.newIssue(entity, KindVersionMismatch, SeverityHigh,
				"entity is marked locally modified but has no queued action to sync it", true,
				"re-enqueue an update action for the entity")
			if err != nil {
				return nil, err
			}
			issues = append(issues, issue)
		}
	}

	return issues, nil
}

func (v *Validator) checkReference(entity replica.Entity, rule TypeRule, idsByType map[string]map[string]struct{}) ([]Issue, error) {
	if rule.ReferenceField == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(entity.PayloadJSON), &payload); err != nil {
		return nil, nil
	}
	raw, ok := payload[rule.ReferenceField]
	if !ok || raw == nil || fmt.Sprintf("%v", raw) == "" {
		issue, err := v.newIssue(entity, KindOrphanedRecord, SeverityMedium,
			fmt.Sprintf("required reference field %q is missing or empty", rule.ReferenceField), false, "")
		if err != nil {
			return nil, err
		}
		return []Issue{issue}, nil
	}
	parentID := fmt.Sprintf("%v", raw)
	if _, exists := idsByType[rule.ParentType][parentID]; !exists {
		issue, err := v.newIssue(entity, KindMissingReference, SeverityHigh,
			fmt.Sprintf("field %q references %s/%s which does not exist locally", rule.ReferenceField, rule.ParentType, parentID),
			false, "")
		if err != nil {
			return nil, err
		}
		return []Issue{issue}, nil
	}
	return nil, nil
}

func (v *Validator) checkNaturalKey(entity replica.Entity, rule TypeRule, payload map[string]any, naturalKeys map[string]string) ([]Issue, error) {
	if rule.NaturalKeyField == "" {
		return nil, nil
	}
	raw, ok := payload[rule.NaturalKeyField]
	value := ""
	if ok && raw != nil {
		value = strings.TrimSpace(fmt.Sprintf("%v", raw))
	}
	if value == "" {
		issue, err := v.newIssue(entity, KindConstraintViolation, SeverityMedium,
			fmt.Sprintf("natural key field %q is missing or empty", rule.NaturalKeyField), false, "")
		if err != nil {
			return nil, err
		}
		return []Issue{issue}, nil
	}
	key := entity.EntityType + "\x00" + strings.ToLower(value)
	if firstID, seen := naturalKeys[key]; seen {
		issue, err := v.newIssue(entity, KindDuplicateRecord, SeverityMedium,
			fmt.Sprintf("shares natural key %q with %s/%s", value, entity.EntityType, firstID), false, "")
		if err != nil {
			return nil, err
		}
		return []Issue{issue}, nil
	}
	naturalKeys[key] = entity.EntityID
	return nil, nil
}

// Repair fixes one auto-fixable issue, then re-scans the entity instead of
// assuming success. Returns true when the issue no longer reproduces.
func (v *Validator) Repair(ctx context.Context, issue Issue) (bool, error) {
	if !issue.IsAutoFixable {
		return false, fmt.Errorf("%w: %s", ErrNotAutoFixable, issue.Kind)
	}

	entity, err := v.replica.Get(ctx, issue.EntityType, issue.EntityID)
	if err != nil {
		return false, err
	}

	switch issue.Kind {
	case KindChecksumMismatch:
		origin := replica.OriginServer
		if entity.Dirty {
			origin = replica.OriginLocal
		}
		err = v.replica.Put(ctx, entity.EntityType, entity.EntityID, entity.PayloadJSON,
			time.Unix(entity.UpdatedAtSeconds, 0).UTC(), origin)
		if err != nil {
			return false, err
		}
	case KindVersionMismatch:
		if v.queue == nil {
			return false, fmt.Errorf("%w: no queue configured", ErrNotAutoFixable)
		}
		_, err = v.queue.Enqueue(ctx, queue.Input{
			EntityType:  entity.EntityType,
			EntityID:    entity.EntityID,
			Operation:   queue.OperationUpdate,
			PayloadJSON: entity.PayloadJSON,
		})
		if err != nil {
			return false, err
		}
	default:
		return false, fmt.Errorf("%w: %s", ErrNotAutoFixable, issue.Kind)
	}

	v.logger.Info("integrity issue repaired",
		zap.String("kind", string(issue.Kind)),
		zap.String("entity_type", issue.EntityType),
		zap.String("entity_id", issue.EntityID))

	return v.verifyRepair(ctx, issue)
}

func (v *Validator) verifyRepair(ctx context.Context, issue Issue) (bool, error) {
	entity, err := v.replica.Get(ctx, issue.EntityType, issue.EntityID)
	if err != nil {
		return false, err
	}
	idsByType := map[string]map[string]struct{}{}
	remaining, err := v.scanEntity(ctx, entity, idsByType, map[string]string{})
	if err != nil {
		return false, err
	}
	for _, found := range remaining {
		if found.Kind == issue.Kind {
			return false, nil
		}
	}
	return true, nil
}

func (v *Validator) newIssue(entity replica.Entity, kind Kind, severity Severity, description string, autoFixable bool, suggestedFix string) (Issue, error) {
	issueID, err := v.idProvider.NewID()
	if err != nil {
		return Issue{}, fmt.Errorf("integrity: id generation: %w", err)
	}
	return Issue{
		ID:            issueID,
		EntityType:    entity.EntityType,
		EntityID:      entity.EntityID,
		Kind:          kind,
		Severity:      severity,
		Description:   description,
		IsAutoFixable: autoFixable,
		SuggestedFix:  suggestedFix,
	}, nil
}

func statusFor(issues []Issue) OverallStatus {
	for _, issue := range issues {
		if issue.Severity == SeverityCritical {
			return StatusCritical
		}
	}
	switch {
	case len(issues) > 10:
		return StatusMajorIssues
	case len(issues) > 0:
		return StatusMinorIssues
	default:
		return StatusHealthy
	}
}
