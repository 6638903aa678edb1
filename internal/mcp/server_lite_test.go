package mcp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	litecfg "github.com/pgx-cds-server/internal/config"
	"github.com/pgx-cds-server/internal/domain"
	"github.com/pgx-cds-server/internal/knowledgebase"
	"github.com/pgx-cds-server/pkg/pgxreport"
)

func newTestLiteServer(t *testing.T) *LiteServer {
	t.Helper()
	logger, _ := test.NewNullLogger()

	cfg := litecfg.DefaultLiteConfig()
	cfg.DataDir = t.TempDir()

	server, err := NewLiteServer(context.Background(), cfg, WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNewLiteServer(t *testing.T) {
	server := newTestLiteServer(t)

	assert.Equal(t, []string{
		"evaluate_medication_risk",
		"parse_pgx_report",
		"resolve_medication",
		"adjust_phenotype",
		"export_assessment",
		"list_assessments",
		"knowledge_base_info",
	}, server.Tools())
	assert.NotNil(t, server.GetSnapshotStore())
	assert.NotNil(t, server.GetCache())

	assert.DirExists(t, server.config.ExportDir())
	assert.FileExists(t, server.config.SnapshotDBPath())
}

func TestNewLiteServerWithKnowledgeBase(t *testing.T) {
	logger, _ := test.NewNullLogger()
	kb, err := knowledgebase.Default(logger)
	require.NoError(t, err)

	cfg := litecfg.DefaultLiteConfig()
	cfg.DataDir = t.TempDir()
	cfg.KnowledgeBasePath = filepath.Join(cfg.DataDir, "missing.yaml")

	// The static knowledge base wins over the configured path.
	server, err := NewLiteServer(context.Background(), cfg, WithLogger(logger), WithKnowledgeBase(kb))
	require.NoError(t, err)
	defer server.Close()

	_, err = NewLiteServer(context.Background(), cfg, WithLogger(logger), WithKnowledgeBase(nil))
	assert.Error(t, err)
}

func TestNewLiteServerMissingKnowledgeBaseFile(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := litecfg.DefaultLiteConfig()
	cfg.DataDir = t.TempDir()
	cfg.KnowledgeBasePath = filepath.Join(cfg.DataDir, "missing.yaml")

	_, err := NewLiteServer(context.Background(), cfg, WithLogger(logger))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load knowledge base")
}

func TestEvaluateMedicationRisk(t *testing.T) {
	server := newTestLiteServer(t)
	ctx := context.Background()

	result, out, err := server.handleEvaluateMedicationRisk(ctx, nil, EvaluateMedicationRiskParams{
		Genes:       []GeneParam{{Gene: "CYP2D6", Phenotype: "Normal Metabolizer"}},
		Medications: []string{"Risperdal", "paroxetine"},
		Symptoms:    []string{"None", "Tremor"},
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 2)

	evaluation, ok := out.(EvaluateMedicationRiskResult)
	require.True(t, ok)
	assert.False(t, evaluation.Exported)
	assert.NotEmpty(t, evaluation.FlowsheetPrompts)
	assert.NotEmpty(t, evaluation.ProviderNote)

	risperidone, ok := evaluation.Assessment.Result("risperidone")
	require.True(t, ok)
	assert.Equal(t, domain.CONTRAINDICATED, risperidone.Category)
	assert.True(t, strings.HasPrefix(resultText(t, result), "Assessment "+evaluation.Assessment.ID))

	count, err := server.GetSnapshotStore().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEvaluateMedicationRiskReportText(t *testing.T) {
	server := newTestLiteServer(t)

	_, out, err := server.handleEvaluateMedicationRisk(context.Background(), nil, EvaluateMedicationRiskParams{
		Genes:       []GeneParam{{Gene: "CYP2D6", Phenotype: "Poor Metabolizer"}},
		Medications: []string{"citalopram"},
		ReportText:  "CYP2D6 *1/*1 Normal Metabolizer\nCYP2C19 *2/*2 Poor Metabolizer",
	})
	require.NoError(t, err)

	evaluation := out.(EvaluateMedicationRiskResult)
	cyp2d6, ok := evaluation.Assessment.Gene("CYP2D6")
	require.True(t, ok)
	assert.Equal(t, domain.POOR_METABOLIZER, cyp2d6.Reported)
	cyp2c19, ok := evaluation.Assessment.Gene("CYP2C19")
	require.True(t, ok)
	assert.Equal(t, domain.POOR_METABOLIZER, cyp2c19.Reported)
}

func TestEvaluateMedicationRiskEmptyContext(t *testing.T) {
	server := newTestLiteServer(t)

	result, out, err := server.handleEvaluateMedicationRisk(context.Background(), nil, EvaluateMedicationRiskParams{})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Provide at least one gene or medication")
}

func TestExportAndListAssessments(t *testing.T) {
	server := newTestLiteServer(t)
	ctx := context.Background()

	_, out, err := server.handleEvaluateMedicationRisk(ctx, nil, EvaluateMedicationRiskParams{
		Genes:       []GeneParam{{Gene: "CYP2C19", Phenotype: "Normal Metabolizer"}},
		Medications: []string{"escitalopram", "fluoxetine"},
		Export:      true,
		Label:       "bed 4",
	})
	require.NoError(t, err)
	evaluation := out.(EvaluateMedicationRiskResult)
	require.True(t, evaluation.Exported)
	id := evaluation.Assessment.ID

	result, out, err := server.handleListAssessments(ctx, nil, ListAssessmentsParams{})
	require.NoError(t, err)
	list := out.(ListAssessmentsResult)
	assert.Equal(t, int64(1), list.Total)
	require.Len(t, list.Assessments, 1)
	assert.Equal(t, id, list.Assessments[0].ID)
	assert.Equal(t, "bed 4", list.Assessments[0].Label)
	assert.Contains(t, resultText(t, result), "1 exported assessment(s)")

	tests := []struct {
		format   string
		ext      string
		contains string
	}{
		{format: "", ext: ".txt", contains: "escitalopram"},
		{format: "markdown", ext: ".md", contains: "# "},
		{format: "JSON", ext: ".json", contains: `"assessment_id"`},
	}
	for _, tt := range tests {
		t.Run("format "+tt.format, func(t *testing.T) {
			result, out, err := server.handleExportAssessment(ctx, nil, ExportAssessmentParams{
				AssessmentID: id,
				Format:       tt.format,
				WriteFile:    true,
			})
			require.NoError(t, err)
			require.False(t, result.IsError, resultText(t, result))

			export := out.(ExportAssessmentResult)
			assert.Contains(t, export.Content, tt.contains)
			assert.Equal(t, filepath.Join(server.config.ExportDir(), "assessment-"+id+tt.ext), export.Path)

			written, err := os.ReadFile(export.Path)
			require.NoError(t, err)
			assert.Equal(t, export.Content, string(written))
		})
	}

	t.Run("format pdf", func(t *testing.T) {
		result, out, err := server.handleExportAssessment(ctx, nil, ExportAssessmentParams{
			AssessmentID: id,
			Format:       "pdf",
		})
		require.NoError(t, err)
		require.False(t, result.IsError, resultText(t, result))

		export := out.(ExportAssessmentResult)
		assert.Empty(t, export.Content)
		assert.Equal(t, filepath.Join(server.config.ExportDir(), "assessment-"+id+".pdf"), export.Path)
		assert.Contains(t, resultText(t, result), "PDF report")

		written, err := os.ReadFile(export.Path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(written), "%PDF-"))
		assert.Equal(t, len(written), export.Bytes)
	})
}

func TestExportAssessmentErrors(t *testing.T) {
	server := newTestLiteServer(t)
	ctx := context.Background()

	result, _, err := server.handleExportAssessment(ctx, nil, ExportAssessmentParams{})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, _, err = server.handleExportAssessment(ctx, nil, ExportAssessmentParams{AssessmentID: "nope"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not found")

	_, out, err := server.handleEvaluateMedicationRisk(ctx, nil, EvaluateMedicationRiskParams{
		Medications: []string{"sertraline"},
		Export:      true,
	})
	require.NoError(t, err)
	id := out.(EvaluateMedicationRiskResult).Assessment.ID

	result, _, err = server.handleExportAssessment(ctx, nil, ExportAssessmentParams{AssessmentID: id, Format: "docx"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Unsupported format")
}

func TestParsePGxReport(t *testing.T) {
	server := newTestLiteServer(t)

	result, out, err := server.handleParsePGxReport(context.Background(), nil, ParsePGxReportParams{
		Text: "CYP2D6 *4/*4 Poor Metabolizer\nHTR2A A/A",
	})
	require.NoError(t, err)
	report := out.(*pgxreport.Report)
	require.Len(t, report.Genes, 2)
	assert.Equal(t, "Found 2 gene result(s).\nCYP2D6: *4/*4 Poor Metabolizer\nHTR2A: A/A", resultText(t, result))

	result, _, err = server.handleParsePGxReport(context.Background(), nil, ParsePGxReportParams{Text: " "})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestResolveMedication(t *testing.T) {
	server := newTestLiteServer(t)
	ctx := context.Background()

	_, out, err := server.handleResolveMedication(ctx, nil, ResolveMedicationParams{Name: "Zoloft"})
	require.NoError(t, err)
	resolved := out.(ResolveMedicationResult)
	assert.True(t, resolved.Recognized)
	assert.Equal(t, "sertraline", resolved.Medication.Name)
	assert.Contains(t, resolved.InteractionGenes, "CYP2C19")

	result, out, err := server.handleResolveMedication(ctx, nil, ResolveMedicationParams{Name: "wel"})
	require.NoError(t, err)
	unresolved := out.(ResolveMedicationResult)
	assert.False(t, unresolved.Recognized)
	require.NotEmpty(t, unresolved.Suggestions)
	assert.Equal(t, "bupropion", unresolved.Suggestions[0].Medication)
	assert.Contains(t, resultText(t, result), "Did you mean")

	result, _, err = server.handleResolveMedication(ctx, nil, ResolveMedicationParams{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestAdjustPhenotype(t *testing.T) {
	server := newTestLiteServer(t)
	ctx := context.Background()

	result, out, err := server.handleAdjustPhenotype(ctx, nil, AdjustPhenotypeParams{
		Gene:        "CYP2D6",
		Phenotype:   "Normal Metabolizer",
		Medications: []string{"Paxil", "mystery pill"},
	})
	require.NoError(t, err)
	adjusted := out.(AdjustPhenotypeResult)
	assert.Equal(t, domain.POOR_METABOLIZER, adjusted.Gene.Effective)
	require.Len(t, adjusted.Issues, 1)
	assert.Equal(t, domain.ISSUE_UNKNOWN_MEDICATION, adjusted.Issues[0].Kind)
	assert.Equal(t, adjusted.Note, resultText(t, result))

	result, _, err = server.handleAdjustPhenotype(ctx, nil, AdjustPhenotypeParams{Gene: "CYP1A2", Phenotype: "Normal Metabolizer"})
	require.NoError(t, err)
	assert.Equal(t, "CYP1A2: Normal Metabolizer, no phenoconversion from the listed medications", resultText(t, result))

	result, _, err = server.handleAdjustPhenotype(ctx, nil, AdjustPhenotypeParams{Phenotype: "Normal Metabolizer"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestKnowledgeBaseInfo(t *testing.T) {
	server := newTestLiteServer(t)

	result, out, err := server.handleKnowledgeBaseInfo(context.Background(), nil, KnowledgeBaseInfoParams{})
	require.NoError(t, err)
	stats := out.(knowledgebase.Stats)
	assert.Equal(t, "2025.06-bh", stats.Version)
	assert.Equal(t, 9, stats.Genes)
	assert.Equal(t, 30, stats.Medications)
	assert.Contains(t, resultText(t, result), "2025.06-bh")
}
