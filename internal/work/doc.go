// Package work implements the durable task queue that drives rebalance runs.
//
// # Tasks
//
// Every run is persisted as a task before it executes. A task carries its
// msgpack-encoded payload, an attempt counter and the time it may run next,
// so a crashed or timed-out run is picked up again by the processor loop
// instead of being lost with the process.
//
// # Watchdog
//
// Each attempt runs under a per-attempt timeout. An attempt that fails with a
// timeout is requeued with backoff until MaxAttempts is reached; any other
// failure is final because the handler has already recorded it. When the
// attempts run out the processor calls the Exhausted hook, which marks the
// rebalance as failed with the timeout category.
//
// # Recovery
//
// Tasks left in running by a dead process are found by RecoverStale, which
// the scheduler calls periodically.
package work
