package bot

import "strings"

var commandList = []string{
	"/connect - connect to a server",
	"/disconnect - disconnect from the server",
	"/execute - run a command on the server",
	"/upload - upload a file to the server",
	"/download - download a file from the server",
	"/submit_job - submit a batch job",
	"/show_queue - show the job queue",
	"/cancel_job <job_id> - cancel a job",
	"/add_monitoring - chart metrics from a remote file",
	"/stop_monitoring - stop monitoring tasks",
	"/cancel - abort the current step",
}

const (
	msgWelcome         = "Hi! I connect you to remote servers over SSH.\n\nStart with /connect."
	msgAccessDenied    = "Access denied."
	msgNotConnected    = "Connect to a server first with /connect."
	msgFinishStep      = "Finish the current step or /cancel it first."
	msgBotCommandInput = "That looks like a bot command. To run a shell command, do not start it with '/'."
	msgUnknownCommand  = "Unknown command. See /help."
	msgIdleInput       = "Send a command to begin. See /help."
	msgInternal        = "Something went wrong while handling your request."
	msgStaleButton     = "This button is no longer active."

	msgCredentialsPrompt = "Enter connection details as: login host [port]"
	msgChooseAuth        = "Choose an authentication method:"
	msgPasswordPrompt    = "Send your password."
	msgKeyPrompt         = "Send your private key as a .pem file."
	msgKeyExtension      = "Please send a file with the .pem extension."
	msgPassphrasePrompt  = "Send the key passphrase, or - if the key has none."

	msgCommandPrompt  = "Send the command to run:"
	msgJobPrompt      = "Send the path of the job script on the server:"
	msgDownloadPrompt = "Send the path of the file on the server to download:"
	msgUploadPrompt   = "Send the file you want to upload."
	msgUploadNeedFile = "Send the file as an attachment, or /cancel."
	msgMonitorPrompt  = "Send the full path of the file to monitor:"
	msgAnotherGroup   = "Add another chart?"

	msgNothingToCancel = "Nothing to cancel."
	msgCancelled       = "Cancelled."
	msgDisconnected    = "Disconnected from the server."
	msgConnectionLost  = "The connection to the server was lost. Use /connect to reconnect."
	msgNoTasks         = "No active monitoring tasks."
	msgChooseTask      = "Choose a monitoring task to stop:"
	msgTasksStopped    = "Monitoring tasks stopped."
	msgTaskNotFound    = "Task not found or already stopped."
)

func helpText() string {
	return "Available commands:\n" + strings.Join(commandList, "\n")
}

func connectedText(target string) string {
	return "Connected to " + target + ".\n\n" + helpText()
}
