package verify

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/template"
	"time"
)

// Status is the outcome of one check.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusWarning Status = "warning"
	StatusSkipped Status = "skipped"
)

// CheckResult holds the outcome of one check.
type CheckResult struct {
	Check    string         `json:"check"`
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
	Error    string         `json:"error,omitempty"`
}

// Report is the result of one verification run.
type Report struct {
	Valid bool  `json:"valid"`
	Level Level `json:"level"`
	Root  string `json:"root"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration_ns"`

	Checks []CheckResult `json:"checks"`

	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Warnings int `json:"warnings"`
	Skipped  int `json:"skipped"`

	// Problems lists every failed or warned check's message for quick
	// scanning.
	Problems []string `json:"problems,omitempty"`
}

// summarize fills the tallies, the problem list, and the verdict.
func summarize(report *Report) {
	for _, check := range report.Checks {
		switch check.Status {
		case StatusPassed:
			report.Passed++
		case StatusFailed:
			report.Failed++
			report.Problems = append(report.Problems, fmt.Sprintf("%s: %s", check.Check, check.Message))
		case StatusWarning:
			report.Warnings++
			report.Problems = append(report.Problems, fmt.Sprintf("%s: %s", check.Check, check.Message))
		case StatusSkipped:
			report.Skipped++
		}
	}
	report.Valid = report.Failed == 0
}

// Summary returns a one-line digest of the report.
func (report *Report) Summary() string {
	var sb strings.Builder
	if report.Valid {
		sb.WriteString("[OK]")
	} else {
		sb.WriteString("[CORRUPT]")
	}
	ran := report.Passed + report.Failed + report.Warnings
	sb.WriteString(fmt.Sprintf(" %d/%d checks passed at level %s", report.Passed, ran, report.Level))
	if report.Failed > 0 {
		sb.WriteString(fmt.Sprintf(", %d failed", report.Failed))
	}
	if report.Warnings > 0 {
		sb.WriteString(fmt.Sprintf(", %d warnings", report.Warnings))
	}
	return sb.String()
}

// FailedChecks returns the names of every failed check.
func (report *Report) FailedChecks() []string {
	var failed []string
	for _, check := range report.Checks {
		if check.Status == StatusFailed {
			failed = append(failed, check.Check)
		}
	}
	return failed
}

// ReportFormat names a report rendering.
type ReportFormat string

const (
	FormatJSON     ReportFormat = "json"
	FormatText     ReportFormat = "text"
	FormatMarkdown ReportFormat = "markdown"
	FormatHTML     ReportFormat = "html"
)

// ReportGenerator renders reports in a chosen format.
type ReportGenerator struct {
	format  ReportFormat
	verbose bool
}

// NewReportGenerator creates a generator for the given format.
func NewReportGenerator(format ReportFormat) *ReportGenerator {
	return &ReportGenerator{format: format}
}

// WithVerbose includes per-check errors and details in the output.
func (g *ReportGenerator) WithVerbose(verbose bool) *ReportGenerator {
	g.verbose = verbose
	return g
}

// Generate renders the report to w.
func (g *ReportGenerator) Generate(report *Report, w io.Writer) error {
	switch g.format {
	case FormatJSON:
		return g.generateJSON(report, w)
	case FormatText:
		return g.generateText(report, w)
	case FormatMarkdown:
		return g.generateMarkdown(report, w)
	case FormatHTML:
		return g.generateHTML(report, w)
	default:
		return fmt.Errorf("unknown format: %s", g.format)
	}
}

func (g *ReportGenerator) generateJSON(report *Report, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func (g *ReportGenerator) generateText(report *Report, w io.Writer) error {
	rule := strings.Repeat("=", 72)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "                  BASIN REPOSITORY VERIFICATION")
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Result:     %s\n", g.resultString(report.Valid))
	fmt.Fprintf(w, "Repository: %s\n", report.Root)
	fmt.Fprintf(w, "Level:      %s\n", report.Level)
	fmt.Fprintf(w, "Duration:   %v\n", report.Duration.Round(time.Millisecond))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "--- Checks ---")
	for _, check := range report.Checks {
		fmt.Fprintf(w, "[%s] %-14s %s\n", g.statusSymbol(check.Status), check.Check, check.Message)
		if g.verbose && check.Error != "" {
			fmt.Fprintf(w, "     error: %s\n", check.Error)
		}
		if g.verbose && len(check.Details) > 0 {
			for _, key := range sortedDetailKeys(check.Details) {
				fmt.Fprintf(w, "     %s: %v\n", key, check.Details[key])
			}
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "--- Summary ---")
	fmt.Fprintf(w, "Passed:   %d\n", report.Passed)
	fmt.Fprintf(w, "Failed:   %d\n", report.Failed)
	fmt.Fprintf(w, "Warnings: %d\n", report.Warnings)
	fmt.Fprintf(w, "Skipped:  %d\n", report.Skipped)
	fmt.Fprintln(w)

	if len(report.Problems) > 0 {
		fmt.Fprintln(w, "--- Problems ---")
		for _, problem := range report.Problems {
			fmt.Fprintf(w, "  * %s\n", problem)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, rule)
	return nil
}

func (g *ReportGenerator) generateMarkdown(report *Report, w io.Writer) error {
	tmpl := `# Repository Verification Report

## Summary

| Property | Value |
|----------|-------|
| **Result** | {{.ResultString}} |
| **Repository** | ` + "`{{.Root}}`" + ` |
| **Level** | {{.Level}} |
| **Duration** | {{.Duration}} |

## Checks

| Check | Status | Message |
|-------|--------|---------|
{{range .Checks}}| {{.Check}} | {{statusWord .Status}} | {{.Message}} |
{{end}}
## Counts

- **Passed:** {{.Passed}}
- **Failed:** {{.Failed}}
- **Warnings:** {{.Warnings}}
- **Skipped:** {{.Skipped}}

{{if .Problems}}
## Problems

{{range .Problems}}- {{.}}
{{end}}
{{end}}
---
*Report generated at {{.CompletedAt}}*
`

	funcMap := template.FuncMap{
		"statusWord": func(s Status) string {
			switch s {
			case StatusPassed:
				return "PASS"
			case StatusFailed:
				return "FAIL"
			case StatusWarning:
				return "WARN"
			case StatusSkipped:
				return "SKIP"
			default:
				return "?"
			}
		},
	}

	t, err := template.New("report").Funcs(funcMap).Parse(tmpl)
	if err != nil {
		return err
	}

	view := struct {
		*Report
		ResultString string
	}{
		Report:       report,
		ResultString: g.resultString(report.Valid),
	}
	return t.Execute(w, view)
}

func (g *ReportGenerator) generateHTML(report *Report, w io.Writer) error {
	tmpl := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Basin Verification Report</title>
    <style>
        body { font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; max-width: 860px; margin: 0 auto; padding: 20px; }
        .result-valid { color: #28a745; }
        .result-invalid { color: #dc3545; }
        .summary { background: #f8f9fa; padding: 15px; border-radius: 5px; margin: 20px 0; }
        table { width: 100%; border-collapse: collapse; margin: 15px 0; }
        th, td { padding: 8px; text-align: left; border-bottom: 1px solid #ddd; }
        th { background: #f8f9fa; }
        .status-passed { color: #28a745; }
        .status-failed { color: #dc3545; }
        .status-warning { color: #ffc107; }
        .status-skipped { color: #6c757d; }
        .problems { background: #fff3cd; padding: 15px; border-radius: 5px; margin: 15px 0; }
        code { background: #e9ecef; padding: 2px 6px; border-radius: 3px; }
    </style>
</head>
<body>
    <h1>Basin Verification Report</h1>

    <div class="summary">
        <h2>Result: <span class="{{if .Valid}}result-valid{{else}}result-invalid{{end}}">{{if .Valid}}CLEAN{{else}}CORRUPT{{end}}</span></h2>
        <p><strong>Repository:</strong> <code>{{.Root}}</code></p>
        <p><strong>Level:</strong> {{.Level}}</p>
        <p><strong>Duration:</strong> {{.Duration}}</p>
    </div>

    <h2>Checks</h2>
    <table>
        <thead>
            <tr><th>Check</th><th>Status</th><th>Message</th><th>Duration</th></tr>
        </thead>
        <tbody>
            {{range .Checks}}
            <tr>
                <td>{{.Check}}</td>
                <td class="status-{{.Status}}">{{.Status}}</td>
                <td>{{.Message}}{{if .Error}}<br><small style="color:#dc3545">{{.Error}}</small>{{end}}</td>
                <td>{{.Duration}}</td>
            </tr>
            {{end}}
        </tbody>
    </table>

    <h2>Counts</h2>
    <table>
        <tr><td>Passed</td><td>{{.Passed}}</td></tr>
        <tr><td>Failed</td><td>{{.Failed}}</td></tr>
        <tr><td>Warnings</td><td>{{.Warnings}}</td></tr>
        <tr><td>Skipped</td><td>{{.Skipped}}</td></tr>
    </table>

    {{if .Problems}}
    <div class="problems">
        <h3>Problems</h3>
        <ul>
            {{range .Problems}}<li>{{.}}</li>{{end}}
        </ul>
    </div>
    {{end}}

    <footer style="margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; color: #6c757d;">
        Report generated at {{.CompletedAt}}
    </footer>
</body>
</html>`

	t, err := template.New("report").Parse(tmpl)
	if err != nil {
		return err
	}
	return t.Execute(w, report)
}

func (g *ReportGenerator) resultString(valid bool) string {
	if valid {
		return "CLEAN"
	}
	return "CORRUPT"
}

func (g *ReportGenerator) statusSymbol(status Status) string {
	switch status {
	case StatusPassed:
		return "OK"
	case StatusFailed:
		return "!!"
	case StatusWarning:
		return "??"
	case StatusSkipped:
		return "--"
	default:
		return "  "
	}
}

func sortedDetailKeys(details map[string]any) []string {
	keys := make([]string, 0, len(details))
	for key := range details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
