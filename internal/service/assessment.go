package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pgx-cds-server/internal/cache"
	"github.com/pgx-cds-server/internal/domain"
	"github.com/pgx-cds-server/internal/knowledgebase"
	"github.com/pgx-cds-server/pkg/pgxreport"
)

// KnowledgeBaseProvider hands out the current knowledge base snapshot.
type KnowledgeBaseProvider interface {
	Current() (*knowledgebase.KnowledgeBase, error)
}

// AssessmentService runs the full pipeline for one patient context: medication
// resolution, phenoconversion, risk evaluation and polypharmacy checks.
type AssessmentService struct {
	provider  KnowledgeBaseProvider
	adjuster  *PhenoconversionAdjuster
	evaluator *RiskEvaluator
	cache     cache.ResultCache
	logger    *logrus.Logger
	now       func() time.Time
}

// AssessmentOption configures an AssessmentService.
type AssessmentOption func(*AssessmentService)

// WithResultCache caches finished assessments by normalized input.
func WithResultCache(c cache.ResultCache) AssessmentOption {
	return func(s *AssessmentService) {
		s.cache = c
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) AssessmentOption {
	return func(s *AssessmentService) {
		s.now = now
	}
}

// NewAssessmentService creates the orchestration service.
func NewAssessmentService(provider KnowledgeBaseProvider, logger *logrus.Logger, opts ...AssessmentOption) *AssessmentService {
	if logger == nil {
		logger = logrus.New()
	}
	s := &AssessmentService{
		provider:  provider,
		adjuster:  NewPhenoconversionAdjuster(logger),
		evaluator: NewRiskEvaluator(logger),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// KnowledgeBase returns the snapshot new assessments would use.
func (s *AssessmentService) KnowledgeBase() (*knowledgebase.KnowledgeBase, error) {
	kb, err := s.provider.Current()
	if err != nil {
		return nil, fmt.Errorf("knowledge base unavailable: %w", err)
	}
	return kb, nil
}

// Assess evaluates one patient context end to end. Problems with individual
// genes or medications become issues on the assessment; an error is returned
// only for an empty context, a missing knowledge base or a cancelled context.
func (s *AssessmentService) Assess(ctx context.Context, pc domain.PatientContext) (*domain.Assessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(pc.Genes) == 0 && len(pc.Medications) == 0 {
		return nil, domain.ErrEmptyContext
	}

	// One snapshot for the whole evaluation; a concurrent refresh cannot change it.
	kb, err := s.KnowledgeBase()
	if err != nil {
		return nil, err
	}

	var key string
	if s.cache != nil {
		key = cache.Key(pc, kb.Version())
		cached, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.WithError(err).Warn("Assessment cache read failed")
		}
		if ok {
			cached.ID = uuid.NewString()
			cached.CreatedAt = s.now().UTC()
			s.logger.WithField("assessment_id", cached.ID).Debug("Assessment served from cache")
			return cached, nil
		}
	}

	start := time.Now()
	meds, issues := resolveMedications(kb, pc.Medications)
	states, geneIssues := s.adjuster.AdjustAll(kb, pc.Genes, meds)
	issues = append(issues, geneIssues...)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	symptoms := pc.ActiveSymptoms()
	results := s.evaluator.Evaluate(kb, states, meds, symptoms)
	polypharmacy := s.evaluator.Polypharmacy(kb, states, meds)

	assessment := &domain.Assessment{
		ID:                   uuid.NewString(),
		KnowledgeBaseVersion: kb.Version(),
		Genes:                states,
		Medications:          medicationNames(meds),
		Symptoms:             symptoms,
		Results:              results,
		Polypharmacy:         polypharmacy,
		Issues:               issues,
		Summary:              summarize(states, results, polypharmacy),
		CreatedAt:            s.now().UTC(),
	}

	s.logger.WithFields(logrus.Fields{
		"assessment_id":      assessment.ID,
		"kb_version":         assessment.KnowledgeBaseVersion,
		"genes":              len(states),
		"medications":        len(meds),
		"high_risk":          assessment.Summary.HighRiskCount,
		"polypharmacy":       assessment.Summary.PolypharmacyCount,
		"converted_genes":    assessment.Summary.ConvertedGenes,
		"issues":             len(issues),
		"processing_time_ms": time.Since(start).Milliseconds(),
	}).Info("Assessment completed")

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, assessment); err != nil {
			s.logger.WithError(err).Warn("Assessment cache write failed")
		}
	}
	return assessment, nil
}

// ParseReport extracts gene results from report text, recognizing every gene
// the current knowledge base declares.
func (s *AssessmentService) ParseReport(ctx context.Context, text string) (*pgxreport.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kb, err := s.KnowledgeBase()
	if err != nil {
		return nil, err
	}
	report, err := pgxreport.NewParser(pgxreport.WithGenes(kb.Genes())).Parse(text)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"genes":        len(report.Genes),
		"conflicts":    len(report.Conflicts),
		"unrecognized": len(report.Unrecognized),
	}).Debug("Report parsed")
	return report, nil
}

// ResolveMedication maps a brand or generic name to its canonical medication.
func (s *AssessmentService) ResolveMedication(ctx context.Context, name string) (*domain.Medication, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kb, err := s.KnowledgeBase()
	if err != nil {
		return nil, err
	}
	return kb.ResolveMedication(name)
}

// SuggestMedications returns autocomplete candidates.
func (s *AssessmentService) SuggestMedications(prefix string, limit int) ([]knowledgebase.MedicationSuggestion, error) {
	kb, err := s.KnowledgeBase()
	if err != nil {
		return nil, err
	}
	return kb.Suggest(prefix, limit), nil
}

// AdjustPhenotype computes the effective phenotype of a single gene under a
// medication list. Unknown medications are returned as issues.
func (s *AssessmentService) AdjustPhenotype(ctx context.Context, gene, phenotype, genotype string, medications []string) (*domain.GeneState, []domain.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	kb, err := s.KnowledgeBase()
	if err != nil {
		return nil, nil, err
	}

	meds, issues := resolveMedications(kb, medications)
	states, geneIssues := s.adjuster.AdjustAll(kb, []domain.ReportedGene{{Gene: gene, Phenotype: phenotype, Genotype: genotype}}, meds)
	issues = append(issues, geneIssues...)
	if len(states) == 0 {
		return nil, issues, domain.NewValidationError("gene", "gene symbol is required", gene)
	}
	return &states[0], issues, nil
}

// MergeGenes appends parsed report genes whose symbol is not already among
// the explicit ones, so a clinician-entered result overrides the report.
func MergeGenes(explicit, parsed []domain.ReportedGene) []domain.ReportedGene {
	seen := make(map[string]struct{}, len(explicit))
	for _, g := range explicit {
		seen[domain.NormalizeGene(g.Gene)] = struct{}{}
	}
	merged := append([]domain.ReportedGene(nil), explicit...)
	for _, g := range parsed {
		if _, ok := seen[domain.NormalizeGene(g.Gene)]; ok {
			continue
		}
		merged = append(merged, g)
	}
	return merged
}

// resolveMedications resolves names in order, dropping duplicates and turning
// unknown names into issues.
func resolveMedications(kb *knowledgebase.KnowledgeBase, names []string) ([]*domain.Medication, []domain.Issue) {
	var (
		meds   []*domain.Medication
		issues []domain.Issue
	)
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		med, err := kb.ResolveMedication(name)
		if err != nil {
			var unknown *domain.UnknownMedicationError
			msg := err.Error()
			if errors.As(err, &unknown) {
				msg = fmt.Sprintf("%q is not a recognized medication; it was not evaluated", unknown.Input)
			}
			issues = append(issues, domain.Issue{
				Kind:    domain.ISSUE_UNKNOWN_MEDICATION,
				Subject: name,
				Message: msg,
			})
			continue
		}
		if seen[med.Name] {
			continue
		}
		seen[med.Name] = true
		meds = append(meds, med)
	}
	return meds, issues
}

func medicationNames(meds []*domain.Medication) []string {
	names := make([]string, len(meds))
	for i, m := range meds {
		names[i] = m.Name
	}
	return names
}

func summarize(states []domain.GeneState, results []domain.RiskResult, warnings []domain.PolypharmacyWarning) domain.AssessmentSummary {
	summary := domain.AssessmentSummary{PolypharmacyCount: len(warnings)}
	for _, r := range results {
		if r.Category.IsHighRisk() {
			summary.HighRiskCount++
		}
	}
	for i := range states {
		if states[i].Converted() {
			summary.ConvertedGenes++
		}
		if states[i].Usable() {
			summary.MarkerCount++
		}
	}
	return summary
}
