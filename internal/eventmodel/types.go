package eventmodel

// Family groups related event types for retention, styling, and priority
// defaults.
type Family string

const (
	FamilyTaskLifecycle  Family = "task_lifecycle"
	FamilyCodeOperations Family = "code_operations"
	FamilyFileSystem     Family = "file_system"
	FamilyBuildTest      Family = "build_test"
	FamilyVersionControl Family = "version_control"
	FamilySystemHealth   Family = "system_health"
	FamilyUserInteract   Family = "user_interaction"
	FamilyNotifications  Family = "notifications"
	FamilyIntegration    Family = "integration"
	FamilyCustom         Family = "custom"
)

// Type is the closed enum of recognized event types. Unknown types are
// rejected at intake (§3).
type Type string

const (
	TaskStarted          Type = "task_started"
	TaskProgress         Type = "task_progress"
	TaskCompleted        Type = "task_completed"
	TaskFailed           Type = "task_failed"
	TaskBlocked          Type = "task_blocked"
	TaskCancelled        Type = "task_cancelled"
	ApprovalRequest      Type = "approval_request"
	ApprovalGranted      Type = "approval_granted"
	ApprovalDenied       Type = "approval_denied"

	CodeGenerated  Type = "code_generated"
	CodeReviewed   Type = "code_reviewed"
	CodeRefactored Type = "code_refactored"
	CodeReverted   Type = "code_reverted"

	FileCreated Type = "file_created"
	FileModified Type = "file_modified"
	FileDeleted  Type = "file_deleted"
	FileMoved    Type = "file_moved"

	BuildStarted  Type = "build_started"
	BuildSucceeded Type = "build_succeeded"
	BuildFailed    Type = "build_failed"
	TestStarted    Type = "test_started"
	TestPassed     Type = "test_passed"
	TestFailed     Type = "test_failed"

	CommitCreated     Type = "commit_created"
	BranchCreated      Type = "branch_created"
	PullRequestOpened  Type = "pull_request_opened"
	PullRequestMerged  Type = "pull_request_merged"
	MergeConflict      Type = "merge_conflict"

	SystemStarted   Type = "system_started"
	SystemStopped   Type = "system_stopped"
	HealthDegraded  Type = "health_degraded"
	HealthRecovered Type = "health_recovered"
	ResourceWarning Type = "resource_warning"

	UserMessage     Type = "user_message"
	UserReaction    Type = "user_reaction"
	UserCommand     Type = "user_command"

	TaskCompletion    Type = "task_completion"
	PerformanceAlert  Type = "performance_alert"
	SecurityAlert     Type = "security_alert"
	InfoNotification  Type = "info_notification"

	IntegrationConnected    Type = "integration_connected"
	IntegrationDisconnected Type = "integration_disconnected"
	IntegrationError        Type = "integration_error"
	WebhookReceived         Type = "webhook_received"

	CustomEvent Type = "custom_event"
)

// Priority is a coarse weak ordering used by the dispatcher's selection
// policy (§4.6). Lower numeric value sorts first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// Severity labels the event for display purposes; it does not affect
// scheduling.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Style selects how the message formatter renders an event. Kept
// table-driven per the open question on event_type → style mapping
// (spec §9): adding a new event type only requires a new typeMeta entry,
// never a code branch.
type Style string

const (
	StyleConcise  Style = "concise"
	StyleDetailed Style = "detailed"
)

// typeMeta is the per-type metadata row backing Type.Family,
// Type.DefaultPriority, Type.DefaultSeverity, Type.DefaultStyle,
// Type.Actionable, and Type.Valid.
type typeMeta struct {
	family   Family
	priority Priority
	severity Severity
	style    Style
	// actionable reports whether this type carries approve/deny/ack
	// inline buttons by default (§4.2).
	actionable bool
}

var typeTable = map[Type]typeMeta{
	TaskStarted:     {FamilyTaskLifecycle, PriorityNormal, SeverityInfo, StyleConcise, false},
	TaskProgress:    {FamilyTaskLifecycle, PriorityLow, SeverityInfo, StyleConcise, false},
	TaskCompleted:   {FamilyTaskLifecycle, PriorityNormal, SeverityInfo, StyleConcise, false},
	TaskFailed:      {FamilyTaskLifecycle, PriorityHigh, SeverityWarning, StyleDetailed, false},
	TaskBlocked:     {FamilyTaskLifecycle, PriorityHigh, SeverityWarning, StyleDetailed, false},
	TaskCancelled:   {FamilyTaskLifecycle, PriorityNormal, SeverityInfo, StyleConcise, false},
	ApprovalRequest: {FamilyTaskLifecycle, PriorityCritical, SeverityWarning, StyleDetailed, true},
	ApprovalGranted: {FamilyTaskLifecycle, PriorityNormal, SeverityInfo, StyleConcise, false},
	ApprovalDenied:  {FamilyTaskLifecycle, PriorityNormal, SeverityInfo, StyleConcise, false},

	CodeGenerated:  {FamilyCodeOperations, PriorityLow, SeverityInfo, StyleConcise, false},
	CodeReviewed:   {FamilyCodeOperations, PriorityNormal, SeverityInfo, StyleConcise, false},
	CodeRefactored: {FamilyCodeOperations, PriorityLow, SeverityInfo, StyleConcise, false},
	CodeReverted:   {FamilyCodeOperations, PriorityHigh, SeverityWarning, StyleDetailed, false},

	FileCreated:  {FamilyFileSystem, PriorityLow, SeverityInfo, StyleConcise, false},
	FileModified: {FamilyFileSystem, PriorityLow, SeverityInfo, StyleConcise, false},
	FileDeleted:  {FamilyFileSystem, PriorityNormal, SeverityWarning, StyleConcise, false},
	FileMoved:    {FamilyFileSystem, PriorityLow, SeverityInfo, StyleConcise, false},

	BuildStarted:   {FamilyBuildTest, PriorityLow, SeverityInfo, StyleConcise, false},
	BuildSucceeded: {FamilyBuildTest, PriorityNormal, SeverityInfo, StyleConcise, false},
	BuildFailed:    {FamilyBuildTest, PriorityHigh, SeverityWarning, StyleDetailed, false},
	TestStarted:    {FamilyBuildTest, PriorityLow, SeverityInfo, StyleConcise, false},
	TestPassed:     {FamilyBuildTest, PriorityLow, SeverityInfo, StyleConcise, false},
	TestFailed:     {FamilyBuildTest, PriorityHigh, SeverityWarning, StyleDetailed, false},

	CommitCreated:     {FamilyVersionControl, PriorityLow, SeverityInfo, StyleConcise, false},
	BranchCreated:     {FamilyVersionControl, PriorityLow, SeverityInfo, StyleConcise, false},
	PullRequestOpened: {FamilyVersionControl, PriorityNormal, SeverityInfo, StyleConcise, false},
	PullRequestMerged: {FamilyVersionControl, PriorityNormal, SeverityInfo, StyleConcise, false},
	MergeConflict:     {FamilyVersionControl, PriorityHigh, SeverityWarning, StyleDetailed, false},

	SystemStarted:   {FamilySystemHealth, PriorityNormal, SeverityInfo, StyleConcise, false},
	SystemStopped:   {FamilySystemHealth, PriorityHigh, SeverityWarning, StyleConcise, false},
	HealthDegraded:  {FamilySystemHealth, PriorityCritical, SeverityCritical, StyleDetailed, false},
	HealthRecovered: {FamilySystemHealth, PriorityNormal, SeverityInfo, StyleConcise, false},
	ResourceWarning: {FamilySystemHealth, PriorityHigh, SeverityWarning, StyleDetailed, false},

	UserMessage:  {FamilyUserInteract, PriorityNormal, SeverityInfo, StyleConcise, false},
	UserReaction: {FamilyUserInteract, PriorityLow, SeverityInfo, StyleConcise, false},
	UserCommand:  {FamilyUserInteract, PriorityNormal, SeverityInfo, StyleConcise, false},

	TaskCompletion:   {FamilyNotifications, PriorityNormal, SeverityInfo, StyleConcise, true},
	PerformanceAlert: {FamilyNotifications, PriorityHigh, SeverityWarning, StyleDetailed, true},
	SecurityAlert:    {FamilyNotifications, PriorityCritical, SeverityCritical, StyleDetailed, false},
	InfoNotification: {FamilyNotifications, PriorityLow, SeverityInfo, StyleConcise, false},

	IntegrationConnected:    {FamilyIntegration, PriorityLow, SeverityInfo, StyleConcise, false},
	IntegrationDisconnected: {FamilyIntegration, PriorityNormal, SeverityWarning, StyleConcise, false},
	IntegrationError:        {FamilyIntegration, PriorityHigh, SeverityWarning, StyleDetailed, false},
	WebhookReceived:         {FamilyIntegration, PriorityLow, SeverityInfo, StyleConcise, false},

	CustomEvent: {FamilyCustom, PriorityNormal, SeverityInfo, StyleConcise, false},
}

// Valid reports whether t is a recognized event type.
func (t Type) Valid() bool {
	_, ok := typeTable[t]
	return ok
}

// Family returns the family grouping for t, or the empty Family if t is
// invalid (validation happens once, at intake).
func (t Type) Family() Family {
	return typeTable[t].family
}

// DefaultPriority returns the priority to apply when an event omits one.
func (t Type) DefaultPriority() Priority {
	return typeTable[t].priority
}

// DefaultSeverity returns the severity to apply when an event omits one.
func (t Type) DefaultSeverity() Severity {
	return typeTable[t].severity
}

// DefaultStyle returns the formatter style to use when the configured
// global style does not override it.
func (t Type) DefaultStyle() Style {
	return typeTable[t].style
}

// Actionable reports whether this type should carry inline action
// buttons (approve/deny/ack) by default.
func (t Type) Actionable() bool {
	return typeTable[t].actionable
}
