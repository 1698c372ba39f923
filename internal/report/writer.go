// File: internal/report/writer.go
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/bootmend/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Writer renders reports to an output.
type Writer interface {
	Write(r *schemas.RepairReport) error
	// Close releases the output (a no-op for stdout).
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

type formatWriter struct {
	out    io.WriteCloser
	render func(io.Writer, *schemas.RepairReport) error
}

func (f *formatWriter) Write(r *schemas.RepairReport) error { return f.render(f.out, r) }
func (f *formatWriter) Close() error                         { return f.out.Close() }

// New creates a writer for format ("json", "yaml" or "text"). An empty
// output path or "stdout" writes to standard output.
func New(format, outputPath string) (Writer, error) {
	var render func(io.Writer, *schemas.RepairReport) error
	switch format {
	case "json":
		render = WriteJSON
	case "yaml":
		render = WriteYAML
	case "text", "":
		render = WriteText
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	if outputPath == "" || outputPath == "stdout" {
		return &formatWriter{out: nopWriteCloser{os.Stdout}, render: render}, nil
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
	}
	return &formatWriter{out: f, render: render}, nil
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, r *schemas.RepairReport) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// WriteYAML writes the report as YAML.
func WriteYAML(w io.Writer, r *schemas.RepairReport) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return enc.Close()
}

// WriteText writes the operator-facing summary.
func WriteText(w io.Writer, r *schemas.RepairReport) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Session:   %s\n", r.SessionID)
	fmt.Fprintf(&b, "Target:    %s (%s)\n", r.Target.Root, productLine(r.Target))
	fmt.Fprintf(&b, "Diagnosis: %s, confidence %d", r.Assessment.Stage, r.Assessment.Confidence)
	if r.Assessment.Inconclusive {
		b.WriteString(" (inconclusive)")
	}
	b.WriteString("\n")
	if r.Assessment.Explanation != "" {
		fmt.Fprintf(&b, "           %s\n", r.Assessment.Explanation)
	}
	fmt.Fprintf(&b, "Outcome:   %s\n", r.Outcome)
	if r.Abort != nil {
		fmt.Fprintf(&b, "Aborted:   %s at %s: %s\n", r.Abort.Kind, r.Abort.StepID, r.Abort.Reason)
	}
	for _, u := range r.Unavailable {
		fmt.Fprintf(&b, "Missing evidence: %s (%s)\n", u.Category, u.Reason)
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}

	if len(r.Results) > 0 {
		fmt.Fprintln(w, "\nSteps:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  STEP\tTIER\tTRY\tSTATUS\tDETAIL")
		for _, res := range r.Results {
			detail := res.Reason
			if res.Rollback != nil && res.Rollback.Attempted {
				detail += " [rollback: " + rollbackWord(res.Rollback) + "]"
			}
			status := string(res.Status)
			if res.Failure != "" {
				status += "/" + string(res.Failure)
			}
			fmt.Fprintf(tw, "  %s\t%d\t%d\t%s\t%s\n", res.StepID, res.Tier, res.Attempt, status, detail)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	} else if len(r.Plan.Steps) > 0 {
		fmt.Fprintln(w, "\nPlanned steps:")
		for i, s := range r.Plan.Steps {
			fmt.Fprintf(w, "  %d. %s (%s, %s)\n", i+1, s.ID, s.Operation, s.Destructiveness)
			for fb := s.Fallback; fb != nil; fb = fb.Fallback {
				fmt.Fprintf(w, "     fallback tier %d: %s (%s)\n", fb.Tier, fb.ID, fb.Operation)
			}
		}
	}

	if len(r.StillWrong) > 0 {
		fmt.Fprintln(w, "\nStill wrong:")
		for _, sw := range r.StillWrong {
			fmt.Fprintf(w, "  - %s: %s\n", sw.Item, sw.Detail)
		}
	}
	if len(r.Alternatives) > 0 {
		fmt.Fprintln(w, "\nAlternatives:")
		for _, a := range r.Alternatives {
			fmt.Fprintf(w, "  - %s: %s (%s)\n", a.TemplateID, a.Title, a.Reason)
		}
	}
	return nil
}

func productLine(t schemas.TargetInstallation) string {
	parts := []string{}
	for _, p := range []string{t.ProductName, t.DisplayVersion, t.Build} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return t.ID
	}
	return strings.Join(parts, " ")
}

func rollbackWord(r *schemas.RollbackOutcome) string {
	if r.Succeeded {
		return "restored"
	}
	return "FAILED"
}

// Save writes the report as JSON to path through a temporary file.
func Save(path string, r *schemas.RepairReport) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	err = WriteJSON(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to save report %s: %w", path, err)
	}
	return nil
}

// Load reads a report saved by Save.
func Load(path string) (*schemas.RepairReport, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report %s: %w", path, err)
	}
	var r schemas.RepairReport
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", path, err)
	}
	return &r, nil
}
