// Package events connects the game server's MQTT event stream to the entity
// registry.
//
// Join, leave, spawn and despawn events drive residency; delete and economy
// events mutate state. Economy outcomes are answered on the economy result
// topic and persistence alerts from the synchronisation engine are published
// on the alerts topic.
package events
