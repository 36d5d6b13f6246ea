// Package state is the only entry point game logic uses to read and change
// persistent entity state.
//
// A Registry serves every call from memory. Reads of an entity that is not
// cached yet return the default state and trigger a background load;
// mutations take effect immediately and reach the store asynchronously.
// Changes are expressed as pure updaters, so a rejected change (for example a
// withdrawal beyond the balance) leaves the entity exactly as it was.
//
// The economy and cooldown helpers are ordinary updaters with no special
// access; an external economy API calls Deposit and Withdraw like any other
// caller.
package state
