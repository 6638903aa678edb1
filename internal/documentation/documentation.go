// Package docs renders assessments into the text artifacts nurses
// chart from: flowsheet prompts, the provider smart note, the phenoconversion
// log, the CDS logic snapshot and a printable markdown report.
package docs

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/pgx-cds-server/internal/domain"
)

const disclaimer = "Clinical decision support only. Not validated for autonomous clinical use; " +
	"verify against current guidelines before acting."

// Snapshot is the CDS logic snapshot: everything a reviewer needs to see why
// the assessment said what it said.
type Snapshot struct {
	AssessmentID         string         `json:"assessment_id"`
	KnowledgeBaseVersion string         `json:"knowledge_base_version"`
	Genes                []SnapshotGene `json:"genes"`
	Medications          []string       `json:"medications"`
	Symptoms             []string       `json:"symptoms"`
	Recommendations      []string       `json:"recommendations"`
	PolypharmacyWarnings []string       `json:"polypharmacy_warnings"`
	FlowsheetPrompts     []string       `json:"flowsheet_prompts"`
	PhenoconversionLog   []string       `json:"phenoconversion_log"`
	Issues               []string       `json:"issues,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// SnapshotGene is one row of the gene table.
type SnapshotGene struct {
	Gene      string `json:"gene"`
	Genotype  string `json:"genotype,omitempty"`
	Reported  string `json:"reported,omitempty"`
	Effective string `json:"effective,omitempty"`
	CausedBy  string `json:"caused_by,omitempty"`
	Error     string `json:"error,omitempty"`
}

// FlowsheetPrompts returns the monitoring prompts of every scored medication as
// sorted, de-duplicated "Display: prompt" lines.
func FlowsheetPrompts(a *domain.Assessment) []string {
	seen := make(map[string]struct{})
	var prompts []string
	for _, r := range a.Results {
		for _, p := range r.FlowsheetPrompts {
			line := fmt.Sprintf("%s: %s", r.DisplayName, p)
			if _, dup := seen[line]; dup {
				continue
			}
			seen[line] = struct{}{}
			prompts = append(prompts, line)
		}
	}
	sort.Strings(prompts)
	return prompts
}

// PhenoconversionLog lists one line per gene whose phenotype co-medications
// affected, in gene report order.
func PhenoconversionLog(a *domain.Assessment) []string {
	var log []string
	for i := range a.Genes {
		if note := a.Genes[i].ConversionNote(); note != "" {
			log = append(log, note)
		}
	}
	return log
}

// ProviderNote renders the smart note a nurse copies into the chart.
func ProviderNote(a *domain.Assessment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "PGx CDS review (knowledge base %s)\n", a.KnowledgeBaseVersion)

	var findings, clear []string
	for _, r := range a.Results {
		if r.Category == domain.NO_KNOWN_INTERACTION {
			clear = append(clear, r.DisplayName)
			continue
		}
		findings = append(findings, noteLine(r))
	}

	if len(findings) == 0 && len(a.Polypharmacy) == 0 {
		sb.WriteString("No CDS findings to summarize.\n")
	}
	for _, line := range findings {
		sb.WriteString(line + "\n")
	}
	if len(clear) > 0 {
		fmt.Fprintf(&sb, "- No known gene-drug interaction: %s.\n", strings.Join(clear, ", "))
	}

	if log := PhenoconversionLog(a); len(log) > 0 {
		sb.WriteString("Phenoconversion:\n")
		for _, line := range log {
			sb.WriteString("- " + line + "\n")
		}
	}
	if len(a.Polypharmacy) > 0 {
		sb.WriteString("Polypharmacy:\n")
		for _, w := range a.Polypharmacy {
			sb.WriteString("- " + w.Message + "\n")
		}
	}
	excluded, notes := splitIssues(a)
	if len(excluded) > 0 {
		sb.WriteString("Not evaluated:\n")
		for _, line := range excluded {
			sb.WriteString("- " + line + "\n")
		}
	}
	if len(notes) > 0 {
		sb.WriteString("Notes:\n")
		for _, line := range notes {
			sb.WriteString("- " + line + "\n")
		}
	}
	return sb.String()
}

func noteLine(r domain.RiskResult) string {
	marker := r.Gene
	switch {
	case r.EffectivePhenotype != "":
		marker = fmt.Sprintf("%s %s", r.Gene, r.EffectivePhenotype)
	case r.Genotype != "":
		marker = fmt.Sprintf("%s %s", r.Gene, r.Genotype)
	}
	line := fmt.Sprintf("- %s: %s [%s].", r.DisplayName, r.Category, marker)
	if r.Escalated {
		line += fmt.Sprintf(" Escalated for reported %s.", strings.Join(r.MatchedSymptoms, ", "))
	}
	if r.EstimatedRisk > 0 {
		line += fmt.Sprintf(" Estimated risk %d%% (reference only).", int(r.EstimatedRisk*100+0.5))
	}
	if r.Rationale != "" {
		line += " " + r.Rationale
	}
	return line
}

// splitIssues separates entities left out of scoring from notes about
// entities that were still evaluated.
func splitIssues(a *domain.Assessment) (excluded, notes []string) {
	for _, issue := range a.Issues {
		if issue.Kind.Excluded() {
			excluded = append(excluded, issue.Message)
		} else {
			notes = append(notes, issue.Message)
		}
	}
	return excluded, notes
}

func issueLines(a *domain.Assessment) []string {
	lines := make([]string, 0, len(a.Issues))
	for _, issue := range a.Issues {
		lines = append(lines, issue.Message)
	}
	return lines
}

// NewSnapshot builds the CDS logic snapshot for an assessment.
func NewSnapshot(a *domain.Assessment) *Snapshot {
	s := &Snapshot{
		AssessmentID:         a.ID,
		KnowledgeBaseVersion: a.KnowledgeBaseVersion,
		Genes:                make([]SnapshotGene, 0, len(a.Genes)),
		Medications:          make([]string, 0, len(a.Results)),
		Symptoms:             nonNil(a.Symptoms),
		Recommendations:      make([]string, 0, len(a.Results)),
		PolypharmacyWarnings: make([]string, 0, len(a.Polypharmacy)),
		FlowsheetPrompts:     nonNil(FlowsheetPrompts(a)),
		PhenoconversionLog:   nonNil(PhenoconversionLog(a)),
		Issues:               issueLines(a),
		CreatedAt:            a.CreatedAt,
	}
	for i := range a.Genes {
		s.Genes = append(s.Genes, snapshotGene(&a.Genes[i]))
	}
	for _, r := range a.Results {
		s.Medications = append(s.Medications, r.DisplayName)
		s.Recommendations = append(s.Recommendations, r.Explanation)
	}
	for _, w := range a.Polypharmacy {
		s.PolypharmacyWarnings = append(s.PolypharmacyWarnings, w.Message)
	}
	return s
}

func snapshotGene(g *domain.GeneState) SnapshotGene {
	row := SnapshotGene{
		Gene:     g.Gene,
		Genotype: g.Genotype,
		Reported: g.ReportedText,
		Error:    g.Error,
	}
	if g.Effective != "" {
		row.Reported = string(g.Reported)
		row.Effective = string(g.Effective)
	}
	causes := make([]string, 0, len(g.AppliedModifiers))
	for _, m := range g.AppliedModifiers {
		causes = append(causes, m.Medication)
	}
	row.CausedBy = strings.Join(causes, ", ")
	return row
}

// WriteJSON writes the indented CDS logic snapshot.
func WriteJSON(w io.Writer, a *domain.Assessment) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(NewSnapshot(a)); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return nil
}

// WriteMarkdown writes the printable report.
func WriteMarkdown(w io.Writer, a *domain.Assessment) error {
	var sb strings.Builder
	s := NewSnapshot(a)

	sb.WriteString("# PGx-Guided Behavioral Health CDS Report\n\n")
	fmt.Fprintf(&sb, "**Assessment:** %s  \n", a.ID)
	fmt.Fprintf(&sb, "**Knowledge base:** %s  \n", a.KnowledgeBaseVersion)
	fmt.Fprintf(&sb, "**Generated:** %s\n\n", a.CreatedAt.Format(time.RFC3339))

	sb.WriteString("## Medications Assessed\n\n")
	writeList(&sb, s.Medications, "None")

	sb.WriteString("## Gene Metabolism\n\n")
	if len(s.Genes) == 0 {
		sb.WriteString("No gene results reported.\n\n")
	} else {
		sb.WriteString("| Gene | Genotype | Reported | Effective | Caused by |\n")
		sb.WriteString("|---|---|---|---|---|\n")
		for _, g := range s.Genes {
			effective := g.Effective
			if g.Error != "" {
				effective = "excluded: " + g.Error
			}
			fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s |\n",
				g.Gene, cell(g.Genotype), cell(g.Reported), cell(effective), cell(g.CausedBy))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Recommendations and Risks\n\n")
	writeList(&sb, s.Recommendations, "No specific recommendations based on current rules.")

	if len(s.PolypharmacyWarnings) > 0 {
		sb.WriteString("## Polypharmacy Warnings\n\n")
		writeList(&sb, s.PolypharmacyWarnings, "")
	}

	sb.WriteString("## Flowsheet Prompts\n\n")
	writeList(&sb, s.FlowsheetPrompts, "No special prompts for these combinations.")

	sb.WriteString("## Phenoconversion Log\n\n")
	writeList(&sb, s.PhenoconversionLog, "No phenotype adjustments by inhibitors or inducers.")

	sb.WriteString("## Provider Smart Note\n\n```\n")
	sb.WriteString(ProviderNote(a))
	sb.WriteString("```\n\n")

	sb.WriteString("---\n\n_" + disclaimer + "_\n")

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("writing markdown: %w", err)
	}
	return nil
}

func writeList(sb *strings.Builder, items []string, empty string) {
	if len(items) == 0 {
		if empty != "" {
			sb.WriteString(empty + "\n\n")
		}
		return
	}
	for _, item := range items {
		sb.WriteString("- " + item + "\n")
	}
	sb.WriteString("\n")
}

func cell(s string) string {
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, "|", "\\|")
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
