package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	documentation "github.com/pgx-cds-server/internal/documentation"
	"github.com/pgx-cds-server/internal/domain"
	"github.com/pgx-cds-server/internal/knowledgebase"
	"github.com/pgx-cds-server/internal/service"
	"github.com/pgx-cds-server/internal/snapshot"
	"github.com/pgx-cds-server/pkg/pgxreport"
)

// GeneParam is one reported gene result.
type GeneParam struct {
	Gene      string `json:"gene" jsonschema:"gene symbol such as CYP2D6 or HTR2A"`
	Phenotype string `json:"phenotype,omitempty" jsonschema:"reported metabolizer phenotype such as Normal Metabolizer or PM"`
	Genotype  string `json:"genotype,omitempty" jsonschema:"diplotype or marker such as *1/*4 or A/A"`
}

// EvaluateMedicationRiskParams defines parameters for evaluate_medication_risk
type EvaluateMedicationRiskParams struct {
	Genes       []GeneParam `json:"genes,omitempty" jsonschema:"reported gene results"`
	Medications []string    `json:"medications" jsonschema:"active medications by generic or brand name"`
	Symptoms    []string    `json:"symptoms,omitempty" jsonschema:"currently observed symptoms such as Tremor or Sedation"`
	ReportText  string      `json:"report_text,omitempty" jsonschema:"raw PGx report text; genes found are added after the explicit genes"`
	Export      bool        `json:"export,omitempty" jsonschema:"save the assessment as a snapshot"`
	Label       string      `json:"label,omitempty" jsonschema:"label stored with an exported snapshot"`
}

// EvaluateMedicationRiskResult defines the result of evaluate_medication_risk
type EvaluateMedicationRiskResult struct {
	Assessment       *domain.Assessment `json:"assessment"`
	Exported         bool               `json:"exported"`
	FlowsheetPrompts []string           `json:"flowsheet_prompts"`
	ProviderNote     string             `json:"provider_note"`
}

// ParsePGxReportParams defines parameters for parse_pgx_report
type ParsePGxReportParams struct {
	Text string `json:"text" jsonschema:"report text"`
}

// ResolveMedicationParams defines parameters for resolve_medication
type ResolveMedicationParams struct {
	Name string `json:"name" jsonschema:"generic or brand medication name"`
}

// ResolveMedicationResult defines the result of resolve_medication
type ResolveMedicationResult struct {
	Recognized       bool                                 `json:"recognized"`
	Medication       *domain.Medication                   `json:"medication,omitempty"`
	DisplayName      string                               `json:"display_name,omitempty"`
	InteractionGenes []string                             `json:"interaction_genes,omitempty"`
	Suggestions      []knowledgebase.MedicationSuggestion `json:"suggestions,omitempty"`
}

// AdjustPhenotypeParams defines parameters for adjust_phenotype
type AdjustPhenotypeParams struct {
	Gene        string   `json:"gene" jsonschema:"gene symbol"`
	Phenotype   string   `json:"phenotype,omitempty" jsonschema:"reported phenotype"`
	Genotype    string   `json:"genotype,omitempty" jsonschema:"diplotype or marker"`
	Medications []string `json:"medications,omitempty" jsonschema:"active medications"`
}

// AdjustPhenotypeResult defines the result of adjust_phenotype
type AdjustPhenotypeResult struct {
	Gene   *domain.GeneState `json:"gene"`
	Note   string            `json:"note,omitempty"`
	Issues []domain.Issue    `json:"issues,omitempty"`
}

// ExportAssessmentParams defines parameters for export_assessment
type ExportAssessmentParams struct {
	AssessmentID string `json:"assessment_id" jsonschema:"ID of an exported assessment"`
	Format       string `json:"format,omitempty" jsonschema:"note (default), markdown, json or pdf"`
	WriteFile    bool   `json:"write_file,omitempty" jsonschema:"also write the document to the export directory; pdf is always written"`
}

// ExportAssessmentResult defines the result of export_assessment
type ExportAssessmentResult struct {
	AssessmentID string `json:"assessment_id"`
	Format       string `json:"format"`
	Content      string `json:"content,omitempty"`
	Bytes        int    `json:"bytes"`
	Path         string `json:"path,omitempty"`
}

// ListAssessmentsParams defines parameters for list_assessments
type ListAssessmentsParams struct {
	Limit  int `json:"limit,omitempty" jsonschema:"maximum rows, default 50"`
	Offset int `json:"offset,omitempty" jsonschema:"rows to skip"`
}

// AssessmentListItem is one row returned by list_assessments
type AssessmentListItem struct {
	ID                   string   `json:"id"`
	Label                string   `json:"label,omitempty"`
	KnowledgeBaseVersion string   `json:"knowledge_base_version"`
	Medications          []string `json:"medications"`
	HighRiskCount        int      `json:"high_risk_count"`
	PolypharmacyCount    int      `json:"polypharmacy_count"`
	CreatedAt            string   `json:"created_at"`
}

// ListAssessmentsResult defines the result of list_assessments
type ListAssessmentsResult struct {
	Assessments []AssessmentListItem `json:"assessments"`
	Total       int64                `json:"total"`
}

// KnowledgeBaseInfoParams takes no arguments.
type KnowledgeBaseInfoParams struct{}

func (s *LiteServer) handleEvaluateMedicationRisk(ctx context.Context, req *mcp.CallToolRequest, params EvaluateMedicationRiskParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithFields(logrus.Fields{
		"tool":        "evaluate_medication_risk",
		"genes":       len(params.Genes),
		"medications": len(params.Medications),
	}).Info("Tool invoked")

	pc := domain.PatientContext{Medications: params.Medications, Symptoms: params.Symptoms}
	for _, g := range params.Genes {
		pc.Genes = append(pc.Genes, domain.ReportedGene{Gene: g.Gene, Phenotype: g.Phenotype, Genotype: g.Genotype})
	}
	if strings.TrimSpace(params.ReportText) != "" {
		report, err := s.service.ParseReport(ctx, params.ReportText)
		if err != nil {
			return s.createErrorResult("Report could not be parsed", err), nil, nil
		}
		pc.Genes = service.MergeGenes(pc.Genes, report.Genes)
	}

	assessment, err := s.service.Assess(ctx, pc)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyContext) {
			return s.createErrorResult("Provide at least one gene or medication", err), nil, nil
		}
		return nil, nil, err
	}

	result := EvaluateMedicationRiskResult{
		Assessment:       assessment,
		FlowsheetPrompts: documentation.FlowsheetPrompts(assessment),
		ProviderNote:     documentation.ProviderNote(assessment),
	}
	if params.Export {
		if err := s.store.Save(ctx, snapshot.FromAssessment(assessment, params.Label)); err != nil {
			return s.createErrorResult("Assessment evaluated but export failed", err), nil, nil
		}
		result.Exported = true
	}

	summary := fmt.Sprintf("Assessment %s: %d high-risk finding(s), %d polypharmacy warning(s), %d converted gene(s).",
		assessment.ID, assessment.Summary.HighRiskCount, assessment.Summary.PolypharmacyCount, assessment.Summary.ConvertedGenes)
	if result.Exported {
		summary += " Exported."
	}
	return s.createResult(summary+"\n\n"+result.ProviderNote, result)
}

func (s *LiteServer) handleParsePGxReport(ctx context.Context, req *mcp.CallToolRequest, params ParsePGxReportParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "parse_pgx_report").Info("Tool invoked")

	if strings.TrimSpace(params.Text) == "" {
		return s.createErrorResult("Missing required parameter", fmt.Errorf("text is required")), nil, nil
	}
	report, err := s.service.ParseReport(ctx, params.Text)
	if err != nil {
		return s.createErrorResult("Report could not be parsed", err), nil, nil
	}
	return s.createResult(describeReport(report), report)
}

func describeReport(report *pgxreport.Report) string {
	var lines []string
	for _, g := range report.Genes {
		value := g.Phenotype
		if g.Genotype != "" {
			value = strings.TrimSpace(g.Genotype + " " + value)
		}
		lines = append(lines, fmt.Sprintf("%s: %s", g.Gene, value))
	}
	text := fmt.Sprintf("Found %d gene result(s).", len(report.Genes))
	if len(lines) > 0 {
		text += "\n" + strings.Join(lines, "\n")
	}
	if len(report.Conflicts) > 0 {
		text += fmt.Sprintf("\n%d conflicting mention(s) ignored; the first result per gene was kept.", len(report.Conflicts))
	}
	return text
}

func (s *LiteServer) handleResolveMedication(ctx context.Context, req *mcp.CallToolRequest, params ResolveMedicationParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "resolve_medication").Info("Tool invoked")

	if strings.TrimSpace(params.Name) == "" {
		return s.createErrorResult("Missing required parameter", fmt.Errorf("name is required")), nil, nil
	}
	kb, err := s.service.KnowledgeBase()
	if err != nil {
		return nil, nil, err
	}

	med, err := kb.ResolveMedication(params.Name)
	if errors.Is(err, domain.ErrUnknownMedication) {
		result := ResolveMedicationResult{Suggestions: kb.Suggest(params.Name, 5)}
		text := fmt.Sprintf("%q is not a recognized medication.", params.Name)
		if len(result.Suggestions) > 0 {
			labels := make([]string, len(result.Suggestions))
			for i, sg := range result.Suggestions {
				labels[i] = sg.Label
			}
			text += " Did you mean: " + strings.Join(labels, ", ") + "?"
		}
		return s.createResult(text, result)
	}
	if err != nil {
		return nil, nil, err
	}

	result := ResolveMedicationResult{
		Recognized:       true,
		Medication:       med,
		DisplayName:      med.DisplayName(),
		InteractionGenes: kb.RuleGenes(med.Name),
	}
	text := fmt.Sprintf("%s resolves to %s.", params.Name, result.DisplayName)
	if len(result.InteractionGenes) > 0 {
		text += " Interaction rules exist for " + strings.Join(result.InteractionGenes, ", ") + "."
	}
	return s.createResult(text, result)
}

func (s *LiteServer) handleAdjustPhenotype(ctx context.Context, req *mcp.CallToolRequest, params AdjustPhenotypeParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "adjust_phenotype").Info("Tool invoked")

	state, issues, err := s.service.AdjustPhenotype(ctx, params.Gene, params.Phenotype, params.Genotype, params.Medications)
	if err != nil {
		var validationErr *domain.ValidationError
		if errors.As(err, &validationErr) {
			return s.createErrorResult("Invalid parameters", err), nil, nil
		}
		return nil, nil, err
	}

	result := AdjustPhenotypeResult{Gene: state, Note: state.ConversionNote(), Issues: issues}
	text := result.Note
	switch {
	case state.Error != "":
		text = fmt.Sprintf("%s could not be adjusted: %s", state.Gene, state.Error)
	case text == "":
		text = fmt.Sprintf("%s: %s, no phenoconversion from the listed medications", state.Gene, displayPhenotype(state))
	}
	return s.createResult(text, result)
}

func displayPhenotype(state *domain.GeneState) string {
	if state.Effective != "" {
		return string(state.Effective)
	}
	return state.Genotype
}

func (s *LiteServer) handleExportAssessment(ctx context.Context, req *mcp.CallToolRequest, params ExportAssessmentParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithFields(logrus.Fields{
		"tool":          "export_assessment",
		"assessment_id": params.AssessmentID,
	}).Info("Tool invoked")

	if params.AssessmentID == "" {
		return s.createErrorResult("Missing required parameter", fmt.Errorf("assessment_id is required")), nil, nil
	}
	snap, err := s.store.Get(ctx, params.AssessmentID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.createErrorResult("Assessment not found; evaluate with export set first", err), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	format := strings.ToLower(params.Format)
	if format == "" {
		format = "note"
	}
	var (
		buf bytes.Buffer
		ext string
	)
	switch format {
	case "note":
		buf.WriteString(documentation.ProviderNote(snap.Assessment))
		ext = ".txt"
	case "markdown":
		err = documentation.WriteMarkdown(&buf, snap.Assessment)
		ext = ".md"
	case "json":
		err = documentation.WriteJSON(&buf, snap.Assessment)
		ext = ".json"
	case "pdf":
		err = documentation.WritePDF(&buf, snap.Assessment)
		ext = ".pdf"
	default:
		return s.createErrorResult("Unsupported format", fmt.Errorf("format must be note, markdown, json or pdf, got %q", params.Format)), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("rendering %s export: %w", format, err)
	}

	binary := format == "pdf"
	result := ExportAssessmentResult{AssessmentID: snap.ID, Format: format, Bytes: buf.Len()}
	if !binary {
		result.Content = buf.String()
	}
	if params.WriteFile || binary {
		path := filepath.Join(s.config.ExportDir(), "assessment-"+snap.ID+ext)
		if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
			return s.createErrorResult("Could not write export file", err), nil, nil
		}
		result.Path = path
		s.logger.WithField("path", path).Info("Assessment export written")
	}

	summary := result.Content
	if binary {
		summary = fmt.Sprintf("PDF report for assessment %s written to %s (%d bytes).", snap.ID, result.Path, result.Bytes)
	}
	return s.createResult(summary, result)
}

func (s *LiteServer) handleListAssessments(ctx context.Context, req *mcp.CallToolRequest, params ListAssessmentsParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "list_assessments").Info("Tool invoked")

	snapshots, err := s.store.List(ctx, params.Limit, params.Offset)
	if err != nil {
		return nil, nil, err
	}
	total, err := s.store.Count(ctx)
	if err != nil {
		return nil, nil, err
	}

	result := ListAssessmentsResult{Assessments: make([]AssessmentListItem, 0, len(snapshots)), Total: total}
	lines := []string{fmt.Sprintf("%d exported assessment(s), showing %d.", total, len(snapshots))}
	for _, snap := range snapshots {
		item := AssessmentListItem{
			ID:                   snap.ID,
			Label:                snap.Label,
			KnowledgeBaseVersion: snap.KnowledgeBaseVersion,
			Medications:          snap.Medications,
			HighRiskCount:        snap.HighRiskCount,
			PolypharmacyCount:    snap.PolypharmacyCount,
			CreatedAt:            snap.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		result.Assessments = append(result.Assessments, item)
		lines = append(lines, fmt.Sprintf("- %s %s: %s (%d high risk)",
			item.ID, item.Label, strings.Join(item.Medications, ", "), item.HighRiskCount))
	}
	return s.createResult(strings.Join(lines, "\n"), result)
}

func (s *LiteServer) handleKnowledgeBaseInfo(ctx context.Context, req *mcp.CallToolRequest, params KnowledgeBaseInfoParams) (*mcp.CallToolResult, any, error) {
	kb, err := s.service.KnowledgeBase()
	if err != nil {
		return nil, nil, err
	}
	stats := kb.Stats()
	text := fmt.Sprintf("Knowledge base %s (%s): %d genes, %d medications, %d rules.",
		stats.Version, s.provider.SourceName(), stats.Genes, stats.Medications, stats.Rules)
	return s.createResult(text, stats)
}

// createResult returns a summary plus the JSON form of result as text content.
func (s *LiteServer) createResult(summary string, result any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: summary},
			&mcp.TextContent{Text: string(data)},
		},
	}, result, nil
}

// createErrorResult creates a standardized error result for tool calls
func (s *LiteServer) createErrorResult(message string, err error) *mcp.CallToolResult {
	errorText := fmt.Sprintf("Error: %s", message)
	if err != nil {
		errorText += fmt.Sprintf(" - %v", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: errorText},
		},
		IsError: true,
	}
}
