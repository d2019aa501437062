// Package engine is the facade over the realtime task engine. It owns the
// task registry, the priority scheduler, the execution pool, the streaming
// manager, the incremental update processor and the adaptive controller, and
// runs the loops that connect them: a scheduling tick that is the only path
// from queued to running, an event loop that applies execution unit reports,
// and the load sampling and optimization loops.
package engine
