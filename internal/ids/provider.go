package ids

import "github.com/google/uuid"

// UUIDProvider issues UUIDv7 identifiers. The time-ordered prefix keeps
// identifier order roughly aligned with creation order, which makes queue
// and history listings stable.
type UUIDProvider struct{}

// NewUUIDProvider constructs a UUIDv7 id provider.
func NewUUIDProvider() *UUIDProvider {
	return &UUIDProvider{}
}

// NewID returns a fresh identifier.
func (p *UUIDProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
