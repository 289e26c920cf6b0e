package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/monitoring"
)

func renderTable(out io.Writer, data pterm.TableData) {
	s, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		_, _ = fmt.Fprintln(out, err)
		return
	}
	_, _ = fmt.Fprintln(out, s)
}

func stateText(state model.JobState) string {
	switch state {
	case model.JobStateCompleted:
		return pterm.Green(string(state))
	case model.JobStateFailed:
		return pterm.Red(string(state))
	case model.JobStateRunning:
		return pterm.Yellow(string(state))
	default:
		return string(state)
	}
}

// formatSummary writes a finished job's counters, its per-adapter failure
// counts and the first failed leads.
func formatSummary(out io.Writer, s model.JobSummary) {
	_, _ = fmt.Fprintf(out, "Job %s %s\n", s.JobID, stateText(s.State))
	if s.Error != "" {
		_, _ = fmt.Fprintf(out, "  %s\n", pterm.Red(s.Error))
	}

	renderTable(out, pterm.TableData{
		{"TOTAL", "SUCCEEDED", "FAILED", "ABORTED", "WORKERS", "DURATION"},
		{
			strconv.Itoa(s.Total),
			strconv.Itoa(s.Succeeded),
			strconv.Itoa(s.Failed),
			strconv.Itoa(s.Aborted),
			strconv.Itoa(s.Workers),
			jobDuration(s),
		},
	})

	if len(s.PerAdapterFailureCounts) > 0 {
		data := pterm.TableData{{"ADAPTER", "FAILED LOOKUPS"}}
		for _, name := range slices.Sorted(maps.Keys(s.PerAdapterFailureCounts)) {
			data = append(data, []string{name, strconv.Itoa(s.PerAdapterFailureCounts[name])})
		}
		renderTable(out, data)
	}

	if len(s.Failures) > 0 {
		const shown = 10
		data := pterm.TableData{{"LEAD", "OUTCOME", "KIND", "DETAIL"}}
		for _, f := range s.Failures[:min(len(s.Failures), shown)] {
			data = append(data, []string{f.Identifier, string(f.Outcome), string(f.Kind), truncate(f.Detail, 60)})
		}
		renderTable(out, data)
		if len(s.Failures) > shown {
			_, _ = fmt.Fprintf(out, "... and %d more (see `lead-enricher dlq list --job %s`)\n", len(s.Failures)-shown, s.JobID)
		}
	}
}

// formatJobsList writes one row per job.
func formatJobsList(out io.Writer, jobs []model.JobSummary) {
	data := pterm.TableData{{"ID", "STATE", "TOTAL", "OK", "FAILED", "ABORTED", "CREATED", "DURATION"}}
	for _, j := range jobs {
		data = append(data, []string{
			truncateID(j.JobID),
			stateText(j.State),
			strconv.Itoa(j.Total),
			strconv.Itoa(j.Succeeded),
			strconv.Itoa(j.Failed),
			strconv.Itoa(j.Aborted),
			j.CreatedAt.Format("2006-01-02 15:04"),
			jobDuration(j),
		})
	}
	renderTable(out, data)
}

// formatLeads writes one row per scored lead.
func formatLeads(out io.Writer, leads []model.ScoredLead) {
	data := pterm.TableData{{"LEAD", "SCORE", "TIER", "FAILED ADAPTERS"}}
	for _, l := range leads {
		data = append(data, []string{
			l.Record.Lead.Identifier,
			strconv.FormatFloat(l.Score, 'f', 1, 64),
			l.Tier,
			strings.Join(l.Record.Failed, ","),
		})
	}
	renderTable(out, data)
}

// formatDLQ writes one row per dead-lettered lead.
func formatDLQ(out io.Writer, entries []model.DLQEntry) {
	data := pterm.TableData{{"ID", "JOB", "LEAD", "KIND", "ERROR", "CREATED"}}
	for _, e := range entries {
		data = append(data, []string{
			truncateID(e.ID),
			truncateID(e.JobID),
			e.Lead.Identifier,
			string(e.Kind),
			truncate(e.Error, 50),
			e.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	renderTable(out, data)
}

// formatMetrics writes aggregate job statistics.
func formatMetrics(out io.Writer, m *monitoring.MetricsSnapshot) {
	renderTable(out, pterm.TableData{
		{"WINDOW", "JOBS", "COMPLETED", "FAILED", "RUNNING", "LEADS", "FAIL RATE", "DLQ"},
		{
			fmt.Sprintf("%dh", m.LookbackHours),
			strconv.Itoa(m.JobsTotal),
			strconv.Itoa(m.JobsCompleted),
			strconv.Itoa(m.JobsFailed),
			strconv.Itoa(m.JobsRunning),
			strconv.Itoa(m.LeadsTotal),
			fmt.Sprintf("%.1f%%", m.LeadFailRate*100),
			strconv.Itoa(m.DLQDepth),
		},
	})
	if len(m.AdapterFailures) > 0 {
		data := pterm.TableData{{"ADAPTER", "FAILED LOOKUPS"}}
		for _, name := range slices.Sorted(maps.Keys(m.AdapterFailures)) {
			data = append(data, []string{name, strconv.Itoa(m.AdapterFailures[name])})
		}
		renderTable(out, data)
	}
}

func jobDuration(s model.JobSummary) string {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return "-"
	}
	return s.FinishedAt.Sub(*s.StartedAt).Round(time.Second).String()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
