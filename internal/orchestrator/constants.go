// Package orchestrator drives the scan loop over all monitored regions.
package orchestrator

// Orchestrator configuration constants
const (
	// CycleTimeAlpha smooths the reported average cycle duration.
	CycleTimeAlpha = 0.1

	// InitCyclePrefix marks cycle ids of the INIT pass in logs and outcomes.
	InitCyclePrefix = "init-"

	// DumpFileFormat is <cycle id prefix>_<region id>.png
	DumpFileFormat = "%s_%s.png"
	dumpIDLen      = 8
)
