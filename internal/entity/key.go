package entity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RecordType distinguishes the kinds of entity persisted by the system.
type RecordType string

// Record types.
const (
	RecordPlayer RecordType = "player"
	RecordNPC    RecordType = "npc"
)

// Valid reports whether t is a known record type.
func (t RecordType) Valid() bool {
	return t == RecordPlayer || t == RecordNPC
}

// Key identifies one entity record. Keys are comparable and usable as map keys.
type Key struct {
	ID   uuid.UUID
	Type RecordType
}

// PlayerKey returns the key of a player record.
func PlayerKey(id uuid.UUID) Key { return Key{ID: id, Type: RecordPlayer} }

// NPCKey returns the key of an NPC record.
func NPCKey(id uuid.UUID) Key { return Key{ID: id, Type: RecordNPC} }

// String returns the canonical "<type>:<uuid>" form.
func (k Key) String() string {
	return string(k.Type) + ":" + k.ID.String()
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k.ID == uuid.Nil && k.Type == ""
}

// Validate checks that the key has a known type and a non-nil id.
func (k Key) Validate() error {
	if !k.Type.Valid() {
		return fmt.Errorf("%w: record type %q", ErrInvalidKey, k.Type)
	}
	if k.ID == uuid.Nil {
		return fmt.Errorf("%w: nil id", ErrInvalidKey)
	}
	return nil
}

// NewKey builds a key from a record type and a textual UUID.
func NewKey(recordType, id string) (Key, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	k := Key{ID: parsed, Type: RecordType(strings.ToLower(recordType))}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// ParseKey parses the "<type>:<uuid>" form produced by Key.String.
func ParseKey(s string) (Key, error) {
	recordType, id, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return NewKey(recordType, id)
}

// MarshalText encodes k in its "<type>:<uuid>" form.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the form produced by MarshalText.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
