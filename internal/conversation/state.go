// Package conversation implements the per-user guided flows: collecting
// connection details and credentials, the monitoring setup, and the
// one-shot prompts (command, job script, file names).
package conversation

// State is the step a user is currently at. Exactly one per user; the zero
// value is Idle.
type State int

const (
	Idle State = iota
	AwaitingCredentials
	AwaitingAuthMethodChoice
	AwaitingPemFile
	AwaitingSshDetailsPostPem
	AwaitingPassword
	SettingMonitoringPath
	AwaitingMetricSelection
	// ConfirmingAnotherGroup waits for the yes/no answer after a metric
	// group was accepted.
	ConfirmingAnotherGroup
	WaitingForJob
	WaitingForDownloadFilename
	WaitingForUploadFile
	WaitingForCommand
)

var stateNames = map[State]string{
	Idle:                       "idle",
	AwaitingCredentials:        "awaiting_credentials",
	AwaitingAuthMethodChoice:   "awaiting_auth_method",
	AwaitingPemFile:            "awaiting_pem_file",
	AwaitingSshDetailsPostPem:  "awaiting_passphrase",
	AwaitingPassword:           "awaiting_password",
	SettingMonitoringPath:      "setting_monitoring_path",
	AwaitingMetricSelection:    "awaiting_metric_selection",
	ConfirmingAnotherGroup:     "confirming_another_group",
	WaitingForJob:              "waiting_for_job",
	WaitingForDownloadFilename: "waiting_for_download_filename",
	WaitingForUploadFile:       "waiting_for_upload_file",
	WaitingForCommand:          "waiting_for_command",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// NeedsSession reports whether the state belongs to a flow that operates on
// an established session.
func (s State) NeedsSession() bool {
	switch s {
	case SettingMonitoringPath, AwaitingMetricSelection, ConfirmingAnotherGroup,
		WaitingForJob, WaitingForDownloadFilename, WaitingForUploadFile, WaitingForCommand:
		return true
	}
	return false
}

// Event is something that happened in the conversation which may move the
// user to another state.
type Event int

const (
	// EvReset aborts whatever flow is active: /cancel, /disconnect, or an
	// error that clears the flow.
	EvReset Event = iota
	EvConnect
	EvCredentialsAccepted
	EvChosePassword
	EvChoseKey
	EvKeyStaged
	// EvAuthAttempted fires after a login attempt, successful or not. Both
	// outcomes end the flow.
	EvAuthAttempted
	EvAddMonitoring
	EvPathAccepted
	EvGroupSelected
	EvAnotherGroup
	EvGroupsDone
	EvSubmitJob
	EvDownload
	EvUpload
	EvExecute
	// EvInputConsumed ends a one-shot prompt once its input was used.
	EvInputConsumed
)

type edge struct {
	from State
	ev   Event
}

var transitions = map[edge]State{
	{Idle, EvAddMonitoring}: SettingMonitoringPath,
	{Idle, EvSubmitJob}:     WaitingForJob,
	{Idle, EvDownload}:      WaitingForDownloadFilename,
	{Idle, EvUpload}:        WaitingForUploadFile,
	{Idle, EvExecute}:       WaitingForCommand,

	{AwaitingCredentials, EvCredentialsAccepted}: AwaitingAuthMethodChoice,
	{AwaitingAuthMethodChoice, EvChosePassword}:  AwaitingPassword,
	{AwaitingAuthMethodChoice, EvChoseKey}:       AwaitingPemFile,
	{AwaitingPemFile, EvKeyStaged}:               AwaitingSshDetailsPostPem,
	{AwaitingPassword, EvAuthAttempted}:          Idle,
	{AwaitingSshDetailsPostPem, EvAuthAttempted}: Idle,

	{SettingMonitoringPath, EvPathAccepted}:    AwaitingMetricSelection,
	{AwaitingMetricSelection, EvGroupSelected}: ConfirmingAnotherGroup,
	{ConfirmingAnotherGroup, EvAnotherGroup}:   AwaitingMetricSelection,
	{ConfirmingAnotherGroup, EvGroupsDone}:     Idle,

	{WaitingForJob, EvInputConsumed}:              Idle,
	{WaitingForDownloadFilename, EvInputConsumed}: Idle,
	{WaitingForUploadFile, EvInputConsumed}:       Idle,
	{WaitingForCommand, EvInputConsumed}:          Idle,
}

// Transition returns the state reached from s on ev. It is total: a pair
// with no edge leaves the state unchanged and reports false, which callers
// treat as "re-prompt".
func Transition(s State, ev Event) (State, bool) {
	switch ev {
	case EvReset:
		return Idle, true
	case EvConnect:
		return AwaitingCredentials, true
	}
	if next, ok := transitions[edge{s, ev}]; ok {
		return next, true
	}
	return s, false
}
