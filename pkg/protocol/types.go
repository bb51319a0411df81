package protocol

// Message type constants for stats feed envelopes.
const (
	TypeError         = "error"
	TypeStatsSnapshot = "stats_snapshot"
)
