// package formatter renders pipeline results for the CLI: sync plans,
// playlist status listings, and run summaries, as styled text or JSON
package formatter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/ferndale/cratesync/internal/models"
	"github.com/ferndale/cratesync/internal/tasks"
)

// struct Palette is a simple stylesheet built with named [lipgloss.Style] fields
type Palette struct {
	title lipgloss.Style
	ok    lipgloss.Style
	err   lipgloss.Style
	warn  lipgloss.Style
	dim   lipgloss.Style
}

func NewPalette(t, s, e, w, d string) *Palette {
	return &Palette{
		title: newBold(t).MarginBottom(1),
		ok:    newBold(s),
		err:   newBold(e),
		warn:  newStyle(w),
		dim:   newEm(d),
	}
}

var styles = NewPalette("#7D56F4", "#04B575", "#FF0000", "#FFA500", "#626262")

func newStyle(fg string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(fg))
}

func newBold(fg string) lipgloss.Style {
	return newStyle(fg).Bold(true)
}

func newEm(fg string) lipgloss.Style {
	return newStyle(fg).Italic(true)
}

// FormatPlan renders an ordered action list with per-action paths and
// reasons. An empty plan reports the library as in sync.
func FormatPlan(plan *tasks.SyncPlan) string {
	var buf bytes.Buffer

	if len(plan.Actions) == 0 {
		buf.WriteString(styles.ok.Render("Library is in sync, nothing to do"))
		buf.WriteString("\n")
		return buf.String()
	}

	buf.WriteString(styles.title.Render(fmt.Sprintf("Sync plan: %d actions", len(plan.Actions))))
	buf.WriteString("\n")

	for i, a := range plan.Actions {
		buf.WriteString(fmt.Sprintf("%3d. %-14s %s\n", i+1, a.Kind, actionPath(a)))
		if a.Reason != "" {
			buf.WriteString("     " + styles.dim.Render(a.Reason) + "\n")
		}
	}
	return buf.String()
}

// actionPath picks the most informative path pair for display.
func actionPath(a models.SyncAction) string {
	switch {
	case a.SourcePath != "" && a.TargetPath != "":
		return fmt.Sprintf("%s -> %s", a.SourcePath, a.TargetPath)
	case a.TargetPath != "":
		return a.TargetPath
	case a.SourcePath != "":
		return a.SourcePath
	}
	return a.TrackID
}

// PlanToJSON serializes a plan for machine consumers.
func PlanToJSON(plan *tasks.SyncPlan) ([]byte, error) {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize plan: %w", err)
	}
	return data, nil
}

// FormatStatuses renders a playlist status listing, one line per playlist.
func FormatStatuses(playlists []*models.Playlist) string {
	var buf bytes.Buffer

	if len(playlists) == 0 {
		buf.WriteString(styles.dim.Render("No playlists tracked yet, run fetch first"))
		buf.WriteString("\n")
		return buf.String()
	}

	buf.WriteString(styles.title.Render(fmt.Sprintf("Playlists: %d", len(playlists))))
	buf.WriteString("\n")

	for _, p := range playlists {
		buf.WriteString(fmt.Sprintf("%-40s %-16s %4d tracks  declared %s\n",
			truncate(p.Name, 40),
			statusLabel(p.SyncStatus),
			p.TrackCount,
			relativeTime(p.LastDeclaredAt),
		))
	}
	return buf.String()
}

func statusLabel(s models.PlaylistSyncStatus) string {
	switch s {
	case models.PlaylistInSync:
		return styles.ok.Render(string(s))
	case models.PlaylistNeedsRemoval:
		return styles.err.Render(string(s))
	case models.PlaylistNeedsDownload, models.PlaylistNeedsUpdate:
		return styles.warn.Render(string(s))
	}
	return styles.dim.Render(string(s))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func relativeTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	d := time.Since(*t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

// FormatRun renders one run's outcome counts and retained errors.
func FormatRun(run *models.SyncRun) string {
	var buf bytes.Buffer

	buf.WriteString(styles.title.Render("Run summary"))
	buf.WriteString("\n")
	buf.WriteString(fmt.Sprintf("Planned:   %d\n", run.Planned))
	buf.WriteString(fmt.Sprintf("Succeeded: %s\n", styles.ok.Render(fmt.Sprintf("%d", run.Succeeded))))
	if run.Failed > 0 {
		buf.WriteString(fmt.Sprintf("Failed:    %s\n", styles.err.Render(fmt.Sprintf("%d", run.Failed))))
	} else {
		buf.WriteString(fmt.Sprintf("Failed:    %d\n", run.Failed))
	}
	buf.WriteString(fmt.Sprintf("Skipped:   %d\n", run.Skipped))

	if run.CompletedAt != nil {
		buf.WriteString(fmt.Sprintf("Duration:  %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond)))
	}

	if len(run.Errors) > 0 {
		buf.WriteString("\n" + styles.err.Render("Errors:") + "\n")
		for _, e := range run.Errors {
			buf.WriteString("  - " + e + "\n")
		}
	}
	return buf.String()
}

// FormatFetch renders a remote ingest result.
func FormatFetch(r *tasks.RemoteFetchResult) string {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("Remote: %d playlists seen, %d updated, %d unchanged",
		r.PlaylistsSeen, r.PlaylistsUpdated, r.PlaylistsSkipped))
	if r.PlaylistsRemoved > 0 {
		buf.WriteString(fmt.Sprintf(", %s", styles.warn.Render(fmt.Sprintf("%d flagged for removal", r.PlaylistsRemoved))))
	}
	if r.PlaylistsFailed > 0 {
		buf.WriteString(fmt.Sprintf(", %s", styles.err.Render(fmt.Sprintf("%d failed", r.PlaylistsFailed))))
	}
	buf.WriteString(fmt.Sprintf("\n%d tracks declared\n", r.TracksDeclared))
	for _, e := range r.Errors {
		buf.WriteString("  - " + e + "\n")
	}
	return buf.String()
}

// FormatScan renders a filesystem scan result, calling out orphans since
// they are never acted on automatically.
func FormatScan(r *tasks.ScanResult) string {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("Local: %d files seen, %d matched, %d hashed",
		r.FilesSeen, r.FilesMatched, r.FilesHashed))
	if r.BrokenLinks > 0 {
		buf.WriteString(fmt.Sprintf(", %s", styles.warn.Render(fmt.Sprintf("%d broken links", r.BrokenLinks))))
	}
	buf.WriteString("\n")

	if len(r.Orphans) > 0 {
		buf.WriteString(styles.warn.Render(fmt.Sprintf("%d unrecognized files (left untouched):", len(r.Orphans))))
		buf.WriteString("\n")
		for _, o := range r.Orphans {
			buf.WriteString("  - " + o + "\n")
		}
	}
	for _, e := range r.Errors {
		buf.WriteString("  - " + e + "\n")
	}
	return buf.String()
}

// FormatResolve renders a primary election result.
func FormatResolve(r *tasks.ResolveResult) string {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("Resolved: %d tracks, %d primaries changed, %d pending relocations\n",
		r.TracksConsidered, r.PrimariesChanged, r.Relocations))
	if len(r.Conflicts) > 0 {
		buf.WriteString(styles.err.Render(fmt.Sprintf("%d tracks excluded: conflicting primary claims need manual review", len(r.Conflicts))))
		buf.WriteString("\n")
		for _, c := range r.Conflicts {
			buf.WriteString("  - " + c + "\n")
		}
	}
	return buf.String()
}

// FormatReport renders a full pipeline report section by section.
func FormatReport(report *tasks.SyncReport) string {
	var buf bytes.Buffer

	if report.Fetch != nil {
		buf.WriteString(FormatFetch(report.Fetch))
	}
	if report.Scan != nil {
		buf.WriteString(FormatScan(report.Scan))
	}
	if report.Resolve != nil {
		buf.WriteString(FormatResolve(report.Resolve))
	}
	if report.Plan != nil {
		buf.WriteString("\n")
		buf.WriteString(FormatPlan(report.Plan))
	}
	if report.Run != nil {
		buf.WriteString("\n")
		buf.WriteString(FormatRun(report.Run))
	}
	return buf.String()
}

// ReportToJSON serializes a full pipeline report for machine consumers.
func ReportToJSON(report *tasks.SyncReport) ([]byte, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize report: %w", err)
	}
	return data, nil
}
