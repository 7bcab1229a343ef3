// Package main is the entry point for the ssh-bot binary.
//
// ssh-bot is a chat-driven SSH gateway: users talk to a Telegram bot (or a
// local terminal console) to connect to a remote login node, run commands,
// move files, submit batch jobs and watch metric files as charts.
//
// Usage:
//
//	ssh-bot                # serve the Telegram bot
//	ssh-bot console        # talk to the bot from this terminal
//	ssh-bot doctor         # check the configuration
//	ssh-bot audit --json   # security posture report
//
// The CLI is constructed in internal/cli. This file only handles top-level
// error reporting.
package main

import (
	"fmt"
	"os"

	"github.com/treykane/ssh-bot/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
