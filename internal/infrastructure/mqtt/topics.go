package mqtt

import (
	"fmt"
	"strings"
)

// TopicRoot is the first level of every Rebus topic.
const TopicRoot = "rebus"

// Game event kinds published by the game server under .../events/<kind>.
const (
	EventPlayerJoin      = "player/join"
	EventPlayerLeave     = "player/leave"
	EventNPCSpawn        = "npc/spawn"
	EventNPCDespawn      = "npc/despawn"
	EventEntityDelete    = "entity/delete"
	EventEconomyDeposit  = "economy/deposit"
	EventEconomyWithdraw = "economy/withdraw"
)

// Topics builds the topics of one storage context. Every server sharing a
// context shares its event stream.
//
//	topics := mqtt.NewTopics("survival")
//	topics.Event(mqtt.EventPlayerJoin) // "rebus/survival/events/player/join"
type Topics struct {
	prefix string
}

// NewTopics returns the topic builder for storageContext.
func NewTopics(storageContext string) Topics {
	return Topics{prefix: TopicRoot + "/" + storageContext}
}

// Prefix returns "rebus/<context>".
func (t Topics) Prefix() string {
	return t.prefix
}

// Status is the retained online/offline topic, also used for the LWT.
func (t Topics) Status() string {
	return t.prefix + "/status"
}

// Alerts carries persistence failures that need an operator.
func (t Topics) Alerts() string {
	return t.prefix + "/alerts"
}

// Event returns the topic of one game event kind.
func (t Topics) Event(kind string) string {
	return fmt.Sprintf("%s/events/%s", t.prefix, kind)
}

// AllEvents matches every game event of the context.
func (t Topics) AllEvents() string {
	return t.prefix + "/events/#"
}

// EventKind extracts the event kind from a topic received on AllEvents.
func (t Topics) EventKind(topic string) (string, bool) {
	kind, ok := strings.CutPrefix(topic, t.prefix+"/events/")
	if !ok || kind == "" {
		return "", false
	}
	return kind, true
}

// EconomyResult carries the outcome of deposit and withdraw events.
func (t Topics) EconomyResult() string {
	return t.prefix + "/economy/result"
}
