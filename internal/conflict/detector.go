package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"
)

var (
	// ErrMissingIDProvider indicates the detector was constructed without an id provider.
	ErrMissingIDProvider = errors.New("conflict: id provider is required")
	// ErrNothingToCompare indicates both sides of a comparison were absent.
	ErrNothingToCompare = errors.New("conflict: neither side present")
)

// IDProvider issues identifiers for conflict records.
type IDProvider interface {
	NewID() (string, error)
}

// Side carries one side of an entity comparison.
type Side struct {
	Present     bool
	PayloadJSON string
	ModifiedAt  time.Time
}

// DefaultCriticalFields returns the per-entity-type field lists whose
// involvement escalates conflict severity. The "*" entry applies to every
// type without its own list.
func DefaultCriticalFields() map[string][]string {
	return map[string][]string{
		"*": {"status", "owner", "assignee", "due_date"},
	}
}

// DetectorConfig carries detector construction dependencies.
type DetectorConfig struct {
	IDProvider     IDProvider
	Clock          func() time.Time
	CriticalFields map[string][]string
}

// Detector compares local and server entity versions and produces structured
// conflict records. Comparison is synchronous and purely in-memory.
type Detector struct {
	idProvider     IDProvider
	clock          func() time.Time
	criticalFields map[string][]string
}

// NewDetector constructs a detector.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if cfg.IDProvider == nil {
		return nil, ErrMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	critical := cfg.CriticalFields
	if critical == nil {
		critical = DefaultCriticalFields()
	}
	return &Detector{idProvider: cfg.IDProvider, clock: clock, criticalFields: critical}, nil
}

// Detect compares the two sides and returns a conflict record, or nil when
// the versions agree. localCreated marks a local entity that has never been
// acknowledged by the server, which turns a both-present divergence into a
// create/create conflict.
func (d *Detector) Detect(entityType, entityID string, local, server Side, localCreated bool) (*Record, error) {
	if !local.Present && !server.Present {
		return nil, ErrNothingToCompare
	}

	localFields, err := decodeFields(local)
	if err != nil {
		return nil, fmt.Errorf("conflict: decode local %s/%s: %w", entityType, entityID, err)
	}
	serverFields, err := decodeFields(server)
	if err != nil {
		return nil, fmt.Errorf("conflict: decode server %s/%s: %w", entityType, entityID, err)
	}

	if local.Present && server.Present && reflect.DeepEqual(localFields, serverFields) {
		return nil, nil
	}

	conflictType := classify(local.Present, server.Present, localCreated)
	fieldConflicts := diffFields(localFields, serverFields)

	conflictID, err := d.idProvider.NewID()
	if err != nil {
		return nil, fmt.Errorf("conflict: id generation: %w", err)
	}

	record := &Record{
		ConflictID:              conflictID,
		EntityType:              entityType,
		EntityID:                entityID,
		Type:                    conflictType,
		LocalPayloadJSON:        local.PayloadJSON,
		ServerPayloadJSON:       server.PayloadJSON,
		LocalModifiedAtSeconds:  unixOrZero(local.ModifiedAt),
		ServerModifiedAtSeconds: unixOrZero(server.ModifiedAt),
		Severity:                d.severityFor(entityType, fieldConflicts),
		Status:                  StatusPending,
		DetectedAtSeconds:       d.clock().UTC().Unix(),
	}
	if err := record.SetFieldConflicts(fieldConflicts); err != nil {
		return nil, err
	}
	return record, nil
}

func (d *Detector) severityFor(entityType string, fields []FieldConflict) Severity {
	critical := d.criticalFields[entityType]
	if critical == nil {
		critical = d.criticalFields["*"]
	}
	for _, field := range fields {
		for _, name := range critical {
			if field.FieldName == name {
				return SeverityHigh
			}
		}
	}
	return SeverityMedium
}

func classify(localPresent, serverPresent, localCreated bool) Type {
	switch {
	case localPresent && !serverPresent:
		return TypeUpdateDelete
	case !localPresent && serverPresent:
		return TypeDeleteUpdate
	case localCreated:
		return TypeCreateCreate
	default:
		return TypeUpdateUpdate
	}
}

func decodeFields(side Side) (map[string]any, error) {
	if !side.Present || side.PayloadJSON == "" {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(side.PayloadJSON), &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

func diffFields(local, server map[string]any) []FieldConflict {
	names := make(map[string]struct{}, len(local)+len(server))
	for name := range local {
		names[name] = struct{}{}
	}
	for name := range server {
		names[name] = struct{}{}
	}
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	var conflicts []FieldConflict
	for _, name := range ordered {
		localValue, localOK := local[name]
		serverValue, serverOK := server[name]
		if localOK && serverOK && reflect.DeepEqual(localValue, serverValue) {
			continue
		}
		field := FieldConflict{FieldName: name}
		switch {
		case localOK && serverOK:
			field.Kind = FieldKindModified
		case localOK:
			field.Kind = FieldKindLocalOnly
		default:
			field.Kind = FieldKindServerOnly
		}
		if localOK {
			field.LocalValue = encodeValue(localValue)
		}
		if serverOK {
			field.ServerValue = encodeValue(serverValue)
		}
		conflicts = append(conflicts, field)
	}
	return conflicts
}

func encodeValue(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(encoded)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}
