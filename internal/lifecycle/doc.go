// Package lifecycle wires the persistence components together and runs them
// between a host's enable and disable events.
//
// A Coordinator owns exactly one store, cache, synchronisation engine,
// registry and (optionally) spill journal. Enable migrates the store, starts
// the engine, replays writes spilled by the previous run, warms the keys of
// everyone already online and starts the flush and maintenance tickers.
// Disable stops the tickers and drains the engine under a hard deadline.
package lifecycle
