package events

import (
	"time"

	"github.com/tavstaldev/rebus-core/internal/entity"
)

// EntityEvent names an entity. Type defaults to the record type implied by
// the event kind and may be omitted on player and npc events.
type EntityEvent struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id"`
}

// EconomyEvent asks for a deposit or withdrawal.
type EconomyEvent struct {
	EntityEvent

	Amount    int64  `json:"amount"`
	RequestID string `json:"request_id,omitempty"`
}

// EconomyResult answers an EconomyEvent.
type EconomyResult struct {
	RequestID string    `json:"request_id,omitempty"`
	Op        string    `json:"op"`
	Key       string    `json:"key"`
	OK        bool      `json:"ok"`
	Balance   int64     `json:"balance"`
	Revision  uint64    `json:"revision"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// AlertMessage is the wire form of a persistence alert.
type AlertMessage struct {
	Key      string    `json:"key"`
	Op       string    `json:"op"`
	Class    string    `json:"class"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// key resolves the entity named by e, using fallback when Type is empty.
func (e EntityEvent) key(fallback entity.RecordType) (entity.Key, error) {
	typ := e.Type
	if typ == "" {
		typ = string(fallback)
	}
	return entity.NewKey(typ, e.ID)
}
