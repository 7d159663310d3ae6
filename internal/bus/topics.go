package bus

// Task lifecycle topics.
const (
	TopicTaskEnqueued  = "task.enqueued"
	TopicTaskClaimed   = "task.claimed"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskBlocked   = "task.blocked"
)

// Mode controller topics.
const (
	TopicModeChanged = "mode.changed"
)

// Approval gate topics.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalDecided   = "approval.decided"
	TopicApprovalExpired   = "approval.expired"
)

// Knowledge store topics.
const (
	TopicSourceIngested = "knowledge.source_ingested"
	TopicChunksRetired  = "knowledge.chunks_retired"
)

// TaskEvent is published on task lifecycle transitions.
type TaskEvent struct {
	TaskID    string // Task ID
	OldStatus string // Previous status (e.g. Pending)
	NewStatus string // New status (e.g. InProgress)
	Reason    string // Optional transition reason
}

// ModeChangedEvent is published when the operating mode flips.
type ModeChangedEvent struct {
	OldMode string // Previous mode
	NewMode string // New mode
	Cause   string // "liveness", "window", or "startup"
}

// ApprovalEvent is published when a gated action is requested or decided.
type ApprovalEvent struct {
	RequestID string // Approval request ID
	TaskID    string // Gated task ID
	Summary   string // Action summary shown to the operator
	Status    string // Pending, Approved, Denied, or Expired
}

// SourceIngestedEvent is published when a document version becomes queryable.
type SourceIngestedEvent struct {
	SourceID string // Logical source identifier
	Version  int    // New active version
	Chunks   int    // Chunk count in this version
}

// ChunksRetiredEvent is published when a GC pass physically deletes chunks of
// retired source versions.
type ChunksRetiredEvent struct {
	Removed int64 // Chunks deleted in this pass
}
