// Package cli provides the command-line interface for ssh-bot.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/treykane/ssh-bot/internal/appconfig"
	"github.com/treykane/ssh-bot/internal/doctor"
	"github.com/treykane/ssh-bot/internal/hostconfig"
	"github.com/treykane/ssh-bot/internal/security"
	"github.com/treykane/ssh-bot/internal/util"
)

// NewRootCommand creates the root cobra command. Without a subcommand it
// serves the Telegram bot.
func NewRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "ssh-bot",
		Short:         "Chat-driven SSH gateway for cluster login nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/ssh-bot/config.yaml)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newConsoleCmd(&configPath))
	root.AddCommand(newHostsCmd(&configPath))
	root.AddCommand(newDoctorCmd(&configPath))
	root.AddCommand(newAuditCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the Telegram bot until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func newConsoleCmd(configPath *string) *cobra.Command {
	var saveDir string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Talk to the bot from a local terminal instead of Telegram",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd.Context(), *configPath, saveDir)
		},
	}
	cmd.Flags().StringVar(&saveDir, "save-dir", ".", "directory that receives downloaded files")
	return cmd
}

func newHostsCmd(configPath *string) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List host aliases users may connect to by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*configPath)
			if err != nil {
				return err
			}
			cat, err := hostconfig.ParseFile(cfg.SSH.HostsFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				hosts := cat.Hosts
				if hosts == nil {
					hosts = []hostconfig.Entry{}
				}
				return writeJSON(out, hosts)
			}
			if cfg.SSH.HostsFile == "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "ssh.hosts_file is not set; users must type host names")
			}
			fmt.Fprintf(out, "%-24s %-32s %-8s %s\n", "ALIAS", "HOSTNAME", "PORT", "USER")
			for _, h := range cat.Hosts {
				port := "-"
				if h.Port != 0 {
					port = fmt.Sprint(h.Port)
				}
				fmt.Fprintf(out, "%-24s %-32s %-8s %s\n", h.Alias, util.DefaultString(h.HostName, h.Alias), port, util.EmptyDash(h.User))
			}
			if len(cat.Warnings) > 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "warnings:")
				for _, w := range cat.Warnings {
					fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", w)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newDoctorCmd(configPath *string) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the configuration before serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*configPath)
			if err != nil {
				return err
			}
			report := doctor.Run(cfg)
			out := cmd.OutOrStdout()
			if jsonOut {
				if report.Issues == nil {
					report.Issues = []doctor.Issue{}
				}
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else if len(report.Issues) == 0 {
				fmt.Fprintln(out, "no issues found")
			} else {
				for _, i := range report.Issues {
					fmt.Fprintf(out, "[%s] %s %s: %s\n", i.Severity, i.Check, i.Target, i.Message)
					fmt.Fprintf(out, "    -> %s\n", i.Recommendation)
				}
			}
			if report.HasHigh() {
				return fmt.Errorf("doctor found high severity issues")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newAuditCmd(configPath *string) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit host key policy, access list and secret file permissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*configPath)
			if err != nil {
				return err
			}
			report := security.RunLocalAudit(cfg)
			out := cmd.OutOrStdout()
			if jsonOut {
				if report.Findings == nil {
					report.Findings = []security.Finding{}
				}
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "%-8s %-40s %s\n", "SEVERITY", "TARGET", "MESSAGE")
				for _, f := range report.Findings {
					fmt.Fprintf(out, "%-8s %-40s %s\n", f.Severity, f.Target, f.Message)
				}
			}
			if report.HasHigh() {
				return fmt.Errorf("audit found high severity findings")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
