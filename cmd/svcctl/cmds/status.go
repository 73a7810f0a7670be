package cmds

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-go-golems/svcctl/pkg/process"
	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/go-go-golems/svcctl/pkg/state"
	"github.com/go-go-golems/svcctl/pkg/styles"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type serviceStatus struct {
	Name       string          `json:"name"`
	State      service.State   `json:"state"`
	PID        int             `json:"pid,omitempty"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	Readiness  string          `json:"readiness"`
	Error      string          `json:"error,omitempty"`
	CPUPercent float64         `json:"cpu_percent,omitempty"`
	MemoryMB   float64         `json:"memory_mb,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	Stdout     string          `json:"stdout_log,omitempty"`
	Stderr     string          `json:"stderr_log,omitempty"`
	Exit       *state.ExitInfo `json:"exit,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var output string
	var tailLines int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every service",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			descs, err := loadDescriptors(opts)
			if err != nil {
				return err
			}
			reg, err := newRegistry(opts, descs, nil)
			if err != nil {
				return err
			}
			adoptRunning(reg, descs, adoptInspect)
			defer reg.Release()

			st, err := state.LoadOptional(opts.Root)
			if err != nil {
				return err
			}

			var pids []int
			var services []serviceStatus
			for _, s := range reg.Statuses() {
				c, _ := reg.Controller(s.Name)
				d := c.Descriptor()
				row := serviceStatus{
					Name:      s.Name,
					State:     s.State,
					PID:       s.PID,
					DependsOn: s.DependsOn,
					Readiness: d.Readiness.String(),
					Error:     s.Error,
					Stdout:    d.StdoutLog,
					Stderr:    d.StderrLog,
				}
				if pf, ok := state.OpenPidFile(d.PidFile); ok && s.State == service.StateStopped {
					if pid, err := pf.ReadPID(); err == nil && pid == 0 {
						row.State = service.StateStarting
					}
				}
				if rec, ok := st.Find(s.Name); ok && rec.PID == s.PID && !rec.StartedAt.IsZero() {
					started := rec.StartedAt
					row.StartedAt = &started
				}
				if s.PID > 0 {
					pids = append(pids, s.PID)
				} else {
					row.Exit = exitInfoFor(opts.Root, d, c.Err(), st, tailLines)
					if row.Exit != nil {
						row.State = service.StateFailed
					}
				}
				services = append(services, row)
			}

			stats := process.ReadAllStats(pids)
			for i := range services {
				if ps, ok := stats[services[i].PID]; ok {
					services[i].CPUPercent = ps.CPUPercent
					services[i].MemoryMB = float64(ps.MemoryRSS) / (1 << 20)
				}
			}

			switch output {
			case "json":
				b, err := json.MarshalIndent(map[string]any{"services": services}, "", "  ")
				if err != nil {
					return errors.Wrap(err, "marshal status")
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			case "table":
				_, _ = fmt.Fprint(cmd.OutOrStdout(), renderStatusTable(services))
			default:
				return errors.Errorf("unknown output format %q", output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json")
	cmd.Flags().IntVar(&tailLines, "tail-lines", state.DefaultTailLines, "How many stderr lines to include for dead services")
	return cmd
}

// exitInfoFor returns the recorded unexpected exit of a service that is not
// running, trimmed to tailLines. When the process died while nothing was
// supervising it there is no exit file, so the record is rebuilt from
// state.json and the stderr log.
func exitInfoFor(root string, d service.Descriptor, cause error, st *state.State, tailLines int) *state.ExitInfo {
	var unobserved *service.UnexpectedExitError
	if !errors.As(cause, &unobserved) || !unobserved.Unobserved {
		unobserved = nil
	}

	info, err := state.ReadExitInfo(state.ExitInfoPath(root, d.Name))
	if err != nil {
		info = nil
	}
	if info != nil && unobserved != nil && info.PID != unobserved.PID {
		info = nil
	}
	if info == nil && unobserved != nil {
		info = &state.ExitInfo{
			Service: d.Name,
			PID:     unobserved.PID,
			Error:   unobserved.Error(),
		}
		if rec, ok := st.Find(d.Name); ok && rec.PID == unobserved.PID {
			info.StartedAt = rec.StartedAt
		}
	}
	if info == nil {
		return nil
	}
	info.TrimTails(tailLines)
	if info.StderrTail == nil && tailLines > 0 && d.StderrLog != "" {
		if lines, err := state.TailLines(d.StderrLog, tailLines, 0); err == nil {
			info.StderrTail = lines
		}
	}
	return info
}

func renderStatusTable(services []serviceStatus) string {
	theme := styles.DefaultStyles
	rows := make([][]string, 0, len(services))
	for _, s := range services {
		pid, cpu, mem, up := "-", "-", "-", "-"
		if s.PID > 0 {
			pid = strconv.Itoa(s.PID)
			cpu = fmt.Sprintf("%.1f%%", s.CPUPercent)
			mem = fmt.Sprintf("%.1f MB", s.MemoryMB)
		}
		if s.StartedAt != nil {
			up = time.Since(*s.StartedAt).Truncate(time.Second).String()
		}
		rows = append(rows, []string{s.Name, theme.State(s.State), pid, cpu, mem, up, s.Readiness})
	}
	out := theme.Table([]string{"SERVICE", "STATE", "PID", "CPU", "MEM", "UPTIME", "READINESS"}, rows)
	for _, s := range services {
		if s.Exit == nil {
			continue
		}
		headline := fmt.Sprintf("%s %s: %s", styles.IconError, s.Name, s.Exit.Reason())
		if up := s.Exit.Uptime(); up > 0 {
			headline += fmt.Sprintf(" after %s", up.Truncate(time.Second))
		}
		out += "\n" + theme.Failed.Render(headline) + "\n"
		for _, line := range s.Exit.StderrTail {
			out += theme.Dim.Render("  "+line) + "\n"
		}
	}
	return out
}
