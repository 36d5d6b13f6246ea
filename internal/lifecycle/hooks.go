package lifecycle

import (
	"github.com/google/uuid"

	"github.com/tavstaldev/rebus-core/internal/entity"
)

// PlayerJoined keeps the player's entity resident while they are online.
func (c *Coordinator) PlayerJoined(id uuid.UUID) entity.Snapshot {
	return c.registry.Retain(entity.PlayerKey(id))
}

// PlayerLeft lets the player's entity be evicted once its writes are flushed.
func (c *Coordinator) PlayerLeft(id uuid.UUID) {
	c.registry.Release(entity.PlayerKey(id))
}

// NPCSpawned keeps the NPC's entity resident while it exists in the world.
func (c *Coordinator) NPCSpawned(id uuid.UUID) entity.Snapshot {
	return c.registry.Retain(entity.NPCKey(id))
}

// NPCDespawned ends an NPCSpawned.
func (c *Coordinator) NPCDespawned(id uuid.UUID) {
	c.registry.Release(entity.NPCKey(id))
}
