package audit

// Actions emitted by the extension.
const (
	ActionJobSubmitted    = "job.submitted"
	ActionJobAssigned     = "job.assigned"
	ActionJobCompleted    = "job.completed"
	ActionJobFailed       = "job.failed"
	ActionJobRequeued     = "job.requeued"
	ActionJobCancelled    = "job.cancelled"
	ActionJobDeadLettered = "job.dead_lettered"
	ActionRobotOnline     = "robot.online"
	ActionRobotOffline    = "robot.offline"
)

// Resources named in audit events.
const (
	ResourceJob   = "job"
	ResourceRobot = "robot"
)

// Categories group related actions for downstream filtering.
const (
	CategoryJob   = "job"
	CategoryFleet = "fleet"
)

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AllActions lists every action the extension can emit, for callers
// building an allow list with WithActions.
var AllActions = []string{
	ActionJobSubmitted,
	ActionJobAssigned,
	ActionJobCompleted,
	ActionJobFailed,
	ActionJobRequeued,
	ActionJobCancelled,
	ActionJobDeadLettered,
	ActionRobotOnline,
	ActionRobotOffline,
}
