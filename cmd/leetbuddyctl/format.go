package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"leetbuddy/internal/ipc"
	"leetbuddy/internal/problem"
	"leetbuddy/internal/stats"
)

func writeStatus(w io.Writer, s *ipc.StatusResponse) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "=== leetbuddyd Status ===")
	fmt.Fprintf(tw, "Version\t%s\n", s.Version)
	fmt.Fprintf(tw, "Started\t%s\n", s.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Uptime\t%s\n", s.Uptime)
	fmt.Fprintf(tw, "Storage\t%s (schema v%d)\n", s.StorageType, s.SchemaVersion)
	fmt.Fprintf(tw, "Clients\t%d\n", s.Clients)
	fmt.Fprintf(tw, "Tabs\t%d\n", len(s.Tabs))
	switch {
	case s.APIKeyValid == nil:
		fmt.Fprintln(tw, "API key\tunchecked")
	case *s.APIKeyValid:
		fmt.Fprintln(tw, "API key\tvalid")
	default:
		fmt.Fprintln(tw, "API key\tinvalid or missing")
	}
	if s.Current == nil {
		fmt.Fprintln(tw, "Problem\t(none)")
	} else {
		fmt.Fprintf(tw, "Problem\t%s\n", describeProblem(s.Current.Metadata))
		if s.Current.StartAt > 0 {
			fmt.Fprintf(tw, "Started at\t%s\n", time.UnixMilli(s.Current.StartAt).Format(time.RFC3339))
		}
	}
	tw.Flush()
}

func writeHistory(w io.Writer, histories map[string][]problem.Record) {
	if len(histories) == 0 {
		fmt.Fprintln(w, "No submissions recorded")
		return
	}
	slugs := make([]string, 0, len(histories))
	for slug := range histories {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROBLEM\tWHEN\tTIME\tSOURCE\tSUBMISSION")
	for _, slug := range slugs {
		for _, rec := range histories[slug] {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				slug,
				time.UnixMilli(rec.At).Format("2006-01-02 15:04"),
				formatSeconds(rec.ElapsedSec),
				sourceOf(rec),
				rec.SubmissionID)
		}
	}
	tw.Flush()
}

func writeStats(w io.Writer, topics []stats.TopicStats) {
	if len(topics) == 0 {
		fmt.Fprintln(w, "No statistics yet")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "TOPIC\tSOLVED\tAVG\tTOTAL\tEASY\tMEDIUM\tHARD\t")
	for _, t := range topics {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%d\t%d\t\n",
			t.Topic, t.TotalProblems,
			formatSeconds(t.AvgTime), formatSeconds(t.TotalTime),
			t.Difficulties.Easy, t.Difficulties.Medium, t.Difficulties.Hard)
	}
	tw.Flush()
}

func writePanel(w io.Writer, resp *ipc.PanelResponse) {
	snap := resp.Snapshot
	if snap.Current == nil {
		fmt.Fprintln(w, "Problem  (none)")
	} else {
		fmt.Fprintf(w, "Problem  %s\n", describeProblem(snap.Current.Metadata))
	}
	if !snap.Flow.Open() {
		fmt.Fprintln(w, "Save     idle")
		return
	}
	fmt.Fprintf(w, "Save     pending %s (%s)\n", formatSeconds(snap.Flow.ElapsedSec), snap.Flow.Source)
	if snap.Flow.PrevElapsedSec != nil {
		fmt.Fprintf(w, "Previous %s\n", formatSeconds(*snap.Flow.PrevElapsedSec))
	}
}

func writeEvent(w io.Writer, ev *ipc.Event) {
	line := ev.Timestamp.Format("15:04:05") + " " + string(ev.Type)
	if ev.Tab != "" {
		line += " tab=" + ev.Tab
	}
	if len(ev.Data) > 0 {
		line += " " + string(ev.Data)
	}
	fmt.Fprintln(w, line)
}

func writeTurns(w io.Writer, resp *ipc.ChatResponse) {
	if resp.Slug == "" {
		fmt.Fprintln(w, "No active conversation")
		return
	}
	fmt.Fprintf(w, "Conversation for %s (%s)\n", resp.Slug, resp.Status)
	for _, t := range resp.Turns {
		writeTurn(w, t)
	}
}

func writeTurn(w io.Writer, t ipc.ChatTurn) {
	who := t.Sender
	if t.Hint {
		who += " (hint)"
	}
	fmt.Fprintf(w, "[%s] %s\n", who, t.Text)
}

func describeProblem(m problem.Metadata) string {
	s := m.Title
	if s == "" {
		s = m.Slug
	}
	if m.Difficulty != "" {
		s += " [" + string(m.Difficulty) + "]"
	}
	if len(m.Tags) > 0 {
		s += " " + strings.Join(m.Tags, ", ")
	}
	return s
}

func sourceOf(rec problem.Record) string {
	if rec.Source == "" {
		return "-"
	}
	return string(rec.Source)
}

// formatSeconds renders sec as h:mm:ss, or m:ss under an hour.
func formatSeconds(sec int64) string {
	if sec < 0 {
		sec = 0
	}
	h, m, s := sec/3600, (sec%3600)/60, sec%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
