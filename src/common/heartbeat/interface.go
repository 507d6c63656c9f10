package heartbeat

// HeartBeatSender is responsible for sending heartbeat signals to
// a specified host and port at regular intervals.
type HeartBeatSender interface {

	// Start initiates the heartbeat sending process in a routine.
	Start() error

	// Sent returns how many beats went out so far.
	Sent() uint64

	// Close stops the heartbeat sending process and cleans up resources.
	Close()
}

// Status is the liveness data a process reports on every beat.
type Status struct {
	Clients     int
	Connections int
}

// StatusFunc is called once per beat, from the sender's routine.
type StatusFunc func() Status
