package engine

// Signal is an asynchronous message delivered to a running process
// instance. Signals are persisted before delivery and drained by the
// process at its checkpoints, so a signal sent between two steps is
// observed before the next step executes.
type Signal struct {
	Name    string
	Payload []byte
}

// SignalHandler reacts to a delivered signal. Handlers run on the
// process goroutine during a drain, so they may safely touch process
// state but must not block.
type SignalHandler func(payload []byte)
