package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pgx-cds-server/internal/domain"
)

// PhenoconversionAdjuster computes effective phenotypes from reported ones and
// the inhibitors and inducers among the active medications.
type PhenoconversionAdjuster struct {
	logger *logrus.Logger
}

// NewPhenoconversionAdjuster creates an adjuster.
func NewPhenoconversionAdjuster(logger *logrus.Logger) *PhenoconversionAdjuster {
	return &PhenoconversionAdjuster{logger: logger}
}

// Adjust sums the signed shifts of every modifier acting on gene and clamps the
// result to the phenotype range. Weak modifiers contribute no shift but are
// recorded. The sum is taken before clamping, so the outcome does not depend on
// the order of modifiers.
func (a *PhenoconversionAdjuster) Adjust(gene string, reported domain.Phenotype, modifiers []domain.AppliedModifier) domain.GeneState {
	gene = domain.NormalizeGene(gene)
	state := domain.GeneState{
		Gene:         gene,
		Kind:         domain.METABOLIZER_GENE,
		ReportedText: string(reported),
		Reported:     reported,
		Effective:    reported,
		Known:        true,
	}

	for _, m := range modifiers {
		if domain.NormalizeGene(m.Gene) != gene {
			continue
		}
		if m.Strength == domain.WEAK {
			state.WeakModifiers = append(state.WeakModifiers, m)
			continue
		}
		m.Steps = m.Effect.Direction() * m.Strength.Steps()
		state.Shift += m.Steps
		state.AppliedModifiers = append(state.AppliedModifiers, m)
	}
	sortModifiers(state.AppliedModifiers)
	sortModifiers(state.WeakModifiers)

	if len(state.AppliedModifiers) > 0 {
		state.Effective, state.Clamped = reported.Shift(state.Shift)
	}
	return state
}

// AdjustAll builds the phenotype store for one assessment. Problems with a single
// gene are reported as issues and never stop the others.
func (a *PhenoconversionAdjuster) AdjustAll(kb domain.KnowledgeBase, genes []domain.ReportedGene, meds []*domain.Medication) ([]domain.GeneState, []domain.Issue) {
	states := make([]domain.GeneState, 0, len(genes))
	var issues []domain.Issue
	seen := make(map[string]bool, len(genes))

	for _, reported := range genes {
		symbol := domain.NormalizeGene(reported.Gene)
		if symbol == "" {
			issues = append(issues, domain.Issue{
				Kind:    domain.ISSUE_UNKNOWN_GENE,
				Subject: reported.Gene,
				Message: "gene symbol is empty",
			})
			continue
		}
		if seen[symbol] {
			issues = append(issues, domain.Issue{
				Kind:    domain.ISSUE_DUPLICATE_GENE,
				Subject: symbol,
				Message: fmt.Sprintf("%s reported more than once; the first result is used", symbol),
			})
			continue
		}
		seen[symbol] = true

		info, known := kb.Gene(symbol)
		if !known {
			info = domain.GeneInfo{Symbol: symbol, Kind: guessKind(reported)}
			issues = append(issues, domain.Issue{
				Kind:    domain.ISSUE_UNKNOWN_GENE,
				Subject: symbol,
				Message: fmt.Sprintf("%s is not in knowledge base %s; no rules apply", symbol, kb.Version()),
			})
		}

		state, issue := a.adjustOne(info, known, reported, meds)
		if issue != nil {
			issues = append(issues, *issue)
		}
		states = append(states, state)
	}

	return states, issues
}

func (a *PhenoconversionAdjuster) adjustOne(info domain.GeneInfo, known bool, reported domain.ReportedGene, meds []*domain.Medication) (domain.GeneState, *domain.Issue) {
	if info.Kind == domain.PHARMACODYNAMIC_GENE {
		state := domain.GeneState{
			Gene:         info.Symbol,
			Kind:         domain.PHARMACODYNAMIC_GENE,
			ReportedText: reported.Genotype,
			Genotype:     compactGenotype(reported.Genotype),
			Known:        known,
		}
		if state.Genotype == "" {
			state.ReportedText = reported.Phenotype
			state.Error = fmt.Sprintf("%s requires a genotype marker", info.Symbol)
			a.logGeneError(info.Symbol, state.Error)
			return state, &domain.Issue{Kind: domain.ISSUE_INVALID_PHENOTYPE, Subject: info.Symbol, Message: state.Error}
		}
		return state, nil
	}

	phenotype, err := domain.ParsePhenotype(reported.Phenotype)
	if err != nil {
		state := domain.GeneState{
			Gene:         info.Symbol,
			Kind:         domain.METABOLIZER_GENE,
			ReportedText: reported.Phenotype,
			Genotype:     compactGenotype(reported.Genotype),
			Known:        known,
			Error:        err.Error(),
		}
		a.logGeneError(info.Symbol, state.Error)
		return state, &domain.Issue{
			Kind:    domain.ISSUE_INVALID_PHENOTYPE,
			Subject: info.Symbol,
			Message: fmt.Sprintf("%s: %v", info.Symbol, err),
		}
	}

	state := a.Adjust(info.Symbol, phenotype, collectModifiers(info.Symbol, meds))
	state.ReportedText = reported.Phenotype
	state.Genotype = compactGenotype(reported.Genotype)
	state.Known = known

	if note := state.ConversionNote(); note != "" && a.logger != nil {
		a.logger.WithFields(logrus.Fields{
			"gene":      state.Gene,
			"reported":  state.Reported,
			"effective": state.Effective,
			"shift":     state.Shift,
			"clamped":   state.Clamped,
		}).Info(note)
	}
	return state, nil
}

func (a *PhenoconversionAdjuster) logGeneError(gene, msg string) {
	if a.logger == nil {
		return
	}
	a.logger.WithFields(logrus.Fields{
		"gene":  gene,
		"error": msg,
	}).Warn("Gene excluded from scoring")
}

// collectModifiers attributes each medication's effects on gene to that medication.
func collectModifiers(gene string, meds []*domain.Medication) []domain.AppliedModifier {
	var applied []domain.AppliedModifier
	for _, med := range meds {
		for _, m := range med.Modifiers {
			if m.Gene != gene {
				continue
			}
			applied = append(applied, domain.AppliedModifier{
				Medication: med.Name,
				Gene:       m.Gene,
				Effect:     m.Effect,
				Strength:   m.Strength,
				Steps:      m.Steps(),
			})
		}
	}
	return applied
}

func sortModifiers(mods []domain.AppliedModifier) {
	sort.Slice(mods, func(i, j int) bool {
		if mods[i].Medication != mods[j].Medication {
			return mods[i].Medication < mods[j].Medication
		}
		return mods[i].Effect < mods[j].Effect
	})
}

// guessKind classifies a gene the knowledge base does not declare.
func guessKind(reported domain.ReportedGene) domain.GeneKind {
	if strings.TrimSpace(reported.Phenotype) == "" && strings.TrimSpace(reported.Genotype) != "" {
		return domain.PHARMACODYNAMIC_GENE
	}
	return domain.METABOLIZER_GENE
}

func compactGenotype(genotype string) string {
	return strings.Join(strings.Fields(genotype), "")
}
