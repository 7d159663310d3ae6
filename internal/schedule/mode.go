package schedule

// Mode is the current operating mode of the orchestrator.
type Mode string

const (
	// ModeSupervised means an operator is assumed reachable; interactive
	// providers are eligible and sensitive work can expect timely approvals.
	ModeSupervised Mode = "Supervised"
	// ModeAutonomous means the off-hours window is active and no liveness
	// signal has been seen within the grace period.
	ModeAutonomous Mode = "Autonomous"
)
