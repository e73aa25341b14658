package usecase

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"

	"mailpipe-backend/internal/pipeline/domain"
)

var digestTemplate = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<h2>{{.Title}}</h2>
<p>{{.Summary}}</p>
<table cellpadding="6" style="border-collapse:collapse">
<tr>{{range .Columns}}<th align="left" style="border-bottom:1px solid #ccc">{{.}}</th>{{end}}</tr>
{{range .Rows}}<tr>{{range .}}<td style="border-bottom:1px solid #eee">{{.}}</td>{{end}}</tr>
{{end}}</table>
<p style="color:#888;font-size:12px">Window {{.WindowStart}} to {{.WindowEnd}} UTC</p>
</body></html>`))

type digestView struct {
	Title       string
	Summary     string
	Columns     []string
	Rows        [][]string
	WindowStart string
	WindowEnd   string
}

var priorityRank = map[string]int{"high": 0, "medium": 1, "low": 2}

// buildDigest renders the entries of one run as a single HTML email.
func buildDigest(run *domain.ScanRun, entries []*domain.ExtractedEntry, to string) (domain.Digest, error) {
	view := digestView{
		WindowStart: run.WindowStart.UTC().Format("2006-01-02 15:04"),
		WindowEnd:   run.WindowEnd.UTC().Format("2006-01-02 15:04"),
	}
	var subject string

	switch run.Feature {
	case domain.FeatureTimeEntry:
		sorted := append([]*domain.ExtractedEntry(nil), entries...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Payload.Text("date") < sorted[j].Payload.Text("date")
		})
		var total float64
		view.Columns = []string{"Date", "Project", "Activity", "Hours"}
		for _, e := range sorted {
			hours := e.Payload.Float("hours")
			total += hours
			view.Rows = append(view.Rows, []string{
				e.Payload.Text("date"),
				e.Payload.Text("project"),
				e.Payload.Text("activity"),
				fmt.Sprintf("%.2f", hours),
			})
		}
		view.Title = "Time entries"
		view.Summary = fmt.Sprintf("%d entries, %.2f hours in total.", len(entries), total)
		subject = fmt.Sprintf("Time entries: %.2fh from %d emails", total, countMessages(entries))

	case domain.FeatureTriage:
		sorted := append([]*domain.ExtractedEntry(nil), entries...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return priorityRank[sorted[i].Payload.Text("priority")] < priorityRank[sorted[j].Payload.Text("priority")]
		})
		high := 0
		view.Columns = []string{"Priority", "From", "Subject", "Category", "Why"}
		for _, e := range sorted {
			priority := e.Payload.Text("priority")
			if priority == "high" {
				high++
			}
			view.Rows = append(view.Rows, []string{
				priority,
				e.Payload.Text("from"),
				e.Payload.Text("subject"),
				e.Payload.Text("category"),
				e.Payload.Text("reason"),
			})
		}
		view.Title = "Inbox triage"
		view.Summary = fmt.Sprintf("%d high priority of %d triaged emails.", high, len(entries))
		subject = fmt.Sprintf("Inbox triage: %d high priority of %d", high, len(entries))

	default:
		return domain.Digest{}, fmt.Errorf("%w: no digest for %q", domain.ErrUnsupportedFeature, run.Feature)
	}

	var buf bytes.Buffer
	if err := digestTemplate.Execute(&buf, view); err != nil {
		return domain.Digest{}, fmt.Errorf("failed to render digest: %w", err)
	}
	return domain.Digest{RunID: run.ID, To: to, Subject: subject, HTML: buf.String()}, nil
}

// draftFromEntry turns a reply_draft entry back into a draft request.
func draftFromEntry(e *domain.ExtractedEntry) domain.ReplyDraft {
	return domain.ReplyDraft{
		RunID:     e.ScanRunID,
		To:        e.Payload.Text("to"),
		Subject:   e.Payload.Text("subject"),
		Body:      e.Payload.Text("body"),
		ThreadID:  e.ThreadID,
		InReplyTo: e.Payload.Text("in_reply_to"),
	}
}

func countMessages(entries []*domain.ExtractedEntry) int {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		seen[e.SourceMessageID] = struct{}{}
	}
	return len(seen)
}
