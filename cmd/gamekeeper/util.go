package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/loykin/gamekeeper/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func printStatus(w io.Writer, st *client.Status, usage *client.Usage) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	state := st.State
	if st.Degraded {
		state += " (not ready)"
	}
	_, _ = fmt.Fprintf(tw, "server:\t%s\n", st.Name)
	_, _ = fmt.Fprintf(tw, "state:\t%s\n", state)
	if st.PID != 0 {
		_, _ = fmt.Fprintf(tw, "pid:\t%d\n", st.PID)
		_, _ = fmt.Fprintf(tw, "uptime:\t%s\n", st.Uptime)
	}
	_, _ = fmt.Fprintf(tw, "generation:\t%d\n", st.Generation)
	_, _ = fmt.Fprintf(tw, "started:\t%s\n", stamp(st.StartedAt))
	_, _ = fmt.Fprintf(tw, "ready:\t%s\n", stamp(st.ReadyAt))
	if st.PID == 0 {
		_, _ = fmt.Fprintf(tw, "stopped:\t%s\n", stamp(st.StoppedAt))
	}
	if st.LastExitCode != nil {
		_, _ = fmt.Fprintf(tw, "last exit:\t%d\n", *st.LastExitCode)
	}
	if st.LastCrashLine != "" {
		_, _ = fmt.Fprintf(tw, "crash line:\t%s\n", st.LastCrashLine)
	}
	if usage != nil {
		_, _ = fmt.Fprintf(tw, "cpu:\t%.1f%%\n", usage.CPUPercent)
		_, _ = fmt.Fprintf(tw, "memory:\t%s\n", humanBytes(int64(usage.MemoryRSS)))
	}
	_ = tw.Flush()
}

func printStop(w io.Writer, res *client.StopResult) {
	switch {
	case !res.Exited:
		_, _ = fmt.Fprintf(w, "server did not exit after %s\n", res.Step)
	case res.Forced:
		_, _ = fmt.Fprintf(w, "server stopped by %s (exit code %d)\n", res.Step, res.ExitCode)
	default:
		_, _ = fmt.Fprintf(w, "server stopped (exit code %d)\n", res.ExitCode)
	}
}

func printArchives(w io.Writer, list []client.ArchiveInfo) {
	if len(list) == 0 {
		_, _ = fmt.Fprintln(w, "no backups")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tCREATED\tSIZE")
	for _, a := range list {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, stamp(a.CreatedAt), humanBytes(a.SizeBytes))
	}
	_ = tw.Flush()
}

func printProbe(w io.Writer, res *client.ProbeResult) {
	if res.Detail != "" {
		_, _ = fmt.Fprintf(w, "%s:%d %s (%s)\n", res.Host, res.Port, res.Outcome, res.Detail)
	} else {
		_, _ = fmt.Fprintf(w, "%s:%d %s in %s\n", res.Host, res.Port, res.Outcome, res.Latency.Round(time.Millisecond))
	}
	c := res.Connection
	if c == nil {
		return
	}
	_, _ = fmt.Fprintf(w, "local address:    %s\n", c.LocalAddress)
	switch {
	case c.ExternalAddress != "":
		_, _ = fmt.Fprintf(w, "external address: %s\n", c.ExternalAddress)
	case c.ExternalError != "":
		_, _ = fmt.Fprintf(w, "external address: unknown (%s)\n", c.ExternalError)
	}
}

func printEvents(w io.Writer, events []client.Event) {
	if len(events) == 0 {
		_, _ = fmt.Fprintln(w, "no events")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tEVENT\tPID\tSTATE\tDETAIL")
	for _, e := range events {
		pid := "-"
		if e.PID != 0 {
			pid = fmt.Sprint(e.PID)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", stamp(e.OccurredAt), e.Type, pid, e.State, e.Message)
	}
	_ = tw.Flush()
}
