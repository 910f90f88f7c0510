package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/compozy/deepresearch/engine/audit"
	"github.com/compozy/deepresearch/engine/orchestrator"
	"github.com/compozy/deepresearch/engine/snapshot"
)

func writeProgress(p *printer, w io.Writer, ev orchestrator.ProgressEvent) {
	line := fmt.Sprintf("[%3d%%] %-14s", ev.Progress, ev.State)
	if ev.Message != "" {
		line += " " + ev.Message
	}
	if ev.Quality != nil {
		line += fmt.Sprintf(" quality=%.2f", ev.Quality.Overall)
	}
	line += fmt.Sprintf(" budget=%.0f%%", ev.Utilization*100)
	fmt.Fprintln(w, p.style(labelStyle, line))
	for _, t := range ev.Trails {
		fmt.Fprintf(w, "       trail %s %s (%d findings)\n", t.Status, t.SubQuery, t.Findings)
	}
}

func statusStyle(p *printer, status orchestrator.Status) string {
	switch status {
	case orchestrator.StatusCompleted:
		return p.style(okStyle, string(status))
	case orchestrator.StatusPartial:
		return p.style(warnStyle, string(status))
	default:
		return p.style(errStyle, string(status))
	}
}

func writeResult(p *printer, w io.Writer, res orchestrator.ResearchResult) error {
	title := res.Report.Title
	if title == "" {
		title = res.Query
	}
	fmt.Fprintln(w, p.style(titleStyle, title))
	fmt.Fprintf(w, "%s %s  %s %s  %s %s\n",
		p.style(labelStyle, "status:"), statusStyle(p, res.Status),
		p.style(labelStyle, "state:"), res.State,
		p.style(labelStyle, "session:"), res.SessionID,
	)
	q := res.Quality
	fmt.Fprintf(w, "%s overall %.2f (completeness %.2f, credibility %.2f, relevance %.2f, confidence %.2f)\n",
		p.style(labelStyle, "quality:"), q.Overall, q.Completeness, q.Credibility, q.Relevance, q.Confidence)
	u := res.Usage
	fmt.Fprintf(w, "%s %d tokens, %d calls, %s (%.0f%% of budget), %d findings\n",
		p.style(labelStyle, "usage:"), u.Consumed.Tokens, u.Consumed.Calls,
		u.Consumed.Elapsed.Round(time.Millisecond), u.Utilization*100, res.Findings)
	for _, t := range res.Trails {
		line := fmt.Sprintf("  trail %s: %s (%d findings)", t.Status, t.SubQuery, t.Findings)
		if t.Reason != "" {
			line += " " + t.Reason
		}
		fmt.Fprintln(w, line)
	}
	if res.Report.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", res.Report.Summary)
	}
	if res.Report.Body != "" {
		fmt.Fprintf(w, "\n%s\n", res.Report.Body)
	}
	if len(res.Report.Claims) > 0 {
		fmt.Fprintf(w, "\n%s\n", p.style(titleStyle, "Claims"))
		for i, c := range res.Report.Claims {
			fmt.Fprintf(w, "%d. %s %s\n", i+1, c.Text, p.style(labelStyle, "["+strings.Join(c.FindingIDs, ", ")+"]"))
		}
	}
	for _, n := range res.Report.Notes {
		fmt.Fprintf(w, "%s %s\n", p.style(warnStyle, "note:"), n)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "%s %s %s\n", p.style(errStyle, "error:"), res.ErrorCode, res.Error)
	}
	return nil
}

func writeSnapshotList(w io.Writer, metas []snapshot.Meta) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATE\tSAVED\tQUERY")
	for _, m := range metas {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.SessionID, m.State, m.SavedAt.Format(time.RFC3339), truncate(m.Query, 60))
	}
	return tw.Flush()
}

func writeSnapshot(p *printer, w io.Writer, s *snapshot.Snapshot) error {
	fmt.Fprintln(w, p.style(titleStyle, s.Context.Query))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "session\t%s\n", s.SessionID)
	fmt.Fprintf(tw, "state\t%s\n", s.State)
	fmt.Fprintf(tw, "saved\t%s\n", s.SavedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "findings\t%d\n", len(s.Context.Findings))
	fmt.Fprintf(tw, "trails\t%d\n", len(s.Context.Trails))
	fmt.Fprintf(tw, "open questions\t%d\n", len(s.Context.OpenQuestions()))
	fmt.Fprintf(tw, "consumed\t%d tokens, %d calls, %s\n",
		s.Budget.Consumed.Tokens, s.Budget.Consumed.Calls, s.Budget.Consumed.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(tw, "checksum\t%s\n", s.Checksum)
	return tw.Flush()
}

func writeAuditRecords(w io.Writer, records []audit.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tKIND\tEVENT\tPAYLOAD")
	for _, r := range records {
		payload, err := r.MarshalPayload()
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			r.Seq, r.Timestamp.Format(time.RFC3339Nano), r.Kind, r.Event, truncate(string(payload), 80))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
