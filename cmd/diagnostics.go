package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/slidebolt/plugin-shinobi/pkg/logic"
)

var showAll bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the Shinobi address and keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		client := newClient(cfg, log)

		if err := client.ValidateCredentials(cmd.Context()); err != nil {
			switch logic.Classify(err) {
			case "authentication":
				return errors.Wrap(err, "invalid_auth")
			case "transport", "decode":
				return errors.Wrap(err, "cannot_connect")
			default:
				return errors.Wrap(err, "unknown")
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s, group %s\n", cfg.ServerOrigin(), cfg.GroupKey)
		return nil
	},
}

type monitorRow struct {
	logic.Monitor
	Exposed bool `json:"exposed"`
}

var monitorsCmd = &cobra.Command{
	Use:   "monitors",
	Short: "List started monitors and whether the filter exposes them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		monitors, err := newClient(cfg, log).ListStartedMonitors(cmd.Context())
		if err != nil {
			return err
		}

		exposed := map[string]bool{}
		for _, m := range logic.FilterMonitors(monitors, cfg.FilterRule()) {
			exposed[m.ID] = true
		}
		rows := make([]monitorRow, 0, len(monitors))
		for _, m := range monitors {
			if showAll || exposed[m.ID] {
				rows = append(rows, monitorRow{Monitor: m, Exposed: exposed[m.ID]})
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, rows)
		}
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "MID\tNAME\tMODE\tSTATUS\tEXPOSED")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", r.ID, r.Name, r.Mode, r.Status, r.Exposed)
		}
		return w.Flush()
	},
}

var stateCmd = &cobra.Command{
	Use:   "state <monitor-id>",
	Short: "Show the current mode of a monitor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := newClient(cfg, log).GetMonitorState(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), st)
	},
}

var setStateCmd = &cobra.Command{
	Use:   "set-state <monitor-id> <stop|start|record>",
	Short: "Change the mode of a monitor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := logic.ParseMonitorState(args[1])
		if err != nil {
			return err
		}
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := newClient(cfg, log).SetMonitorState(cmd.Context(), args[0], state)
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), st)
	},
}

var urlsCmd = &cobra.Command{
	Use:   "urls <monitor-id>",
	Short: "Print the stream and snapshot URLs of a monitor (they contain the API key)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		client := newClient(cfg, log)
		urls := map[string]string{
			"stream": client.MonitorStreamURL(args[0]),
			"still":  client.MonitorStillURL(args[0]),
		}

		fmt.Fprintln(os.Stderr, "warning: these URLs embed the Shinobi API key")
		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, urls)
		}
		fmt.Fprintf(out, "stream: %s\nstill:  %s\n", urls["stream"], urls["still"])
		return nil
	},
}

func init() {
	monitorsCmd.Flags().BoolVar(&showAll, "all", false, "Include monitors hidden by the whitelist or blacklist")

	rootCmd.AddCommand(checkCmd, monitorsCmd, stateCmd, setStateCmd, urlsCmd)
}

func printStatus(out io.Writer, st logic.MonitorStatus) error {
	if jsonOutput {
		return writeJSON(out, st)
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "MID\tMODE\tSTATUS\tRECORDING\tMESSAGE")
	fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", st.ID, logic.MonitorState(st.Mode).Name(), st.Status, st.IsRecording(), st.Message)
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
