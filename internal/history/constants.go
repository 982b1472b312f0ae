package history

// Store defaults
const (
	DefaultMaxEntries  = 500
	DefaultEventBuffer = 64
)
