// Package conflict detects divergence between local and server versions of an
// entity and resolves it through pluggable strategies. Conflicts are durable
// records: they stay pending until explicitly resolved or ignored, and a
// pending conflict shields its entity from being overwritten by later pulls.
package conflict

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type classifies which sides of the sync boundary changed.
type Type string

const (
	TypeUpdateUpdate Type = "update_update"
	TypeUpdateDelete Type = "update_delete"
	TypeDeleteUpdate Type = "delete_update"
	TypeCreateCreate Type = "create_create"
)

// Severity grades how risky an automatic resolution would be.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Complexity grades a conflict by the number of diverged fields.
type Complexity string

const (
	ComplexitySimple      Complexity = "simple"
	ComplexityModerate    Complexity = "moderate"
	ComplexityComplex     Complexity = "complex"
	ComplexityVeryComplex Complexity = "very_complex"
)

// Status tracks the conflict lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResolving Status = "resolving"
	StatusResolved  Status = "resolved"
	StatusFailed    Status = "failed"
	StatusIgnored   Status = "ignored"
)

// FieldKind describes how one field diverged.
type FieldKind string

const (
	FieldKindModified   FieldKind = "modified"
	FieldKindLocalOnly  FieldKind = "local_only"
	FieldKindServerOnly FieldKind = "server_only"
)

// FieldConflict is a single diverged attribute. Values are stored as their
// JSON encodings; an empty string means the side lacks the field.
type FieldConflict struct {
	FieldName   string    `json:"field_name"`
	LocalValue  string    `json:"local_value,omitempty"`
	ServerValue string    `json:"server_value,omitempty"`
	BaseValue   string    `json:"base_value,omitempty"`
	Kind        FieldKind `json:"kind"`
}

// Record is one persisted conflict.
type Record struct {
	ConflictID              string     `gorm:"column:conflict_id;primaryKey;size:190;not null"`
	EntityType              string     `gorm:"column:entity_type;size:64;not null;index:idx_conflicts_entity,priority:1"`
	EntityID                string     `gorm:"column:entity_id;size:190;not null;index:idx_conflicts_entity,priority:2"`
	Type                    Type       `gorm:"column:conflict_type;size:32;not null"`
	LocalPayloadJSON        string     `gorm:"column:local_payload_json;type:text;not null;default:''"`
	ServerPayloadJSON       string     `gorm:"column:server_payload_json;type:text;not null;default:''"`
	BasePayloadJSON         string     `gorm:"column:base_payload_json;type:text;not null;default:''"`
	LocalModifiedAtSeconds  int64      `gorm:"column:local_modified_at_s;not null;default:0"`
	ServerModifiedAtSeconds int64      `gorm:"column:server_modified_at_s;not null;default:0"`
	FieldConflictsJSON      string     `gorm:"column:field_conflicts_json;type:text;not null;default:''"`
	Severity                Severity   `gorm:"column:severity;size:16;not null"`
	Complexity              Complexity `gorm:"column:complexity;size:16;not null"`
	Status                  Status     `gorm:"column:status;size:16;not null;index"`
	Strategy                string     `gorm:"column:strategy;size:32;not null;default:''"`
	LastError               string     `gorm:"column:last_error;type:text;not null;default:''"`
	DetectedAtSeconds       int64      `gorm:"column:detected_at_s;not null"`
	ResolvedAtSeconds       int64      `gorm:"column:resolved_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "sync_conflicts"
}

// LocalPresent reports whether the local side still holds the entity.
func (r Record) LocalPresent() bool {
	return r.Type != TypeDeleteUpdate
}

// ServerPresent reports whether the server side still holds the entity.
func (r Record) ServerPresent() bool {
	return r.Type != TypeUpdateDelete
}

// FieldConflicts decodes the per-field diff.
func (r Record) FieldConflicts() ([]FieldConflict, error) {
	if r.FieldConflictsJSON == "" {
		return nil, nil
	}
	var fields []FieldConflict
	if err := json.Unmarshal([]byte(r.FieldConflictsJSON), &fields); err != nil {
		return nil, fmt.Errorf("conflict: decode field conflicts: %w", err)
	}
	return fields, nil
}

// SetFieldConflicts encodes the per-field diff onto the record and derives
// the complexity grade from its length.
func (r *Record) SetFieldConflicts(fields []FieldConflict) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("conflict: encode field conflicts: %w", err)
	}
	r.FieldConflictsJSON = string(encoded)
	r.Complexity = complexityFor(len(fields))
	return nil
}

// LocalModifiedAt returns the local modification time.
func (r Record) LocalModifiedAt() time.Time {
	return time.Unix(r.LocalModifiedAtSeconds, 0).UTC()
}

// ServerModifiedAt returns the server modification time.
func (r Record) ServerModifiedAt() time.Time {
	return time.Unix(r.ServerModifiedAtSeconds, 0).UTC()
}

func complexityFor(fieldCount int) Complexity {
	switch {
	case fieldCount <= 2:
		return ComplexitySimple
	case fieldCount <= 5:
		return ComplexityModerate
	case fieldCount <= 10:
		return ComplexityComplex
	default:
		return ComplexityVeryComplex
	}
}
