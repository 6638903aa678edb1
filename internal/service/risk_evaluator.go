package service

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pgx-cds-server/internal/domain"
)

// RiskEvaluator scores each active medication against the effective phenotypes.
// Categories come only from the rule table; the estimated risk figure is
// informational.
type RiskEvaluator struct {
	logger *logrus.Logger
}

// NewRiskEvaluator creates a risk evaluator.
func NewRiskEvaluator(logger *logrus.Logger) *RiskEvaluator {
	return &RiskEvaluator{logger: logger}
}

type matchedRule struct {
	state *domain.GeneState
	rule  *domain.InteractionRule
}

// Evaluate returns one result per medication, in medication order.
func (e *RiskEvaluator) Evaluate(kb domain.KnowledgeBase, states []domain.GeneState, meds []*domain.Medication, symptoms []string) []domain.RiskResult {
	ordered := usableStates(states)
	results := make([]domain.RiskResult, 0, len(meds))
	for _, med := range meds {
		results = append(results, e.EvaluateMedication(kb, ordered, med, symptoms))
	}
	return results
}

// EvaluateMedication scores one medication. The most severe matching rule wins;
// ties go to the alphabetically first gene.
func (e *RiskEvaluator) EvaluateMedication(kb domain.KnowledgeBase, states []domain.GeneState, med *domain.Medication, symptoms []string) domain.RiskResult {
	ordered := usableStates(states)
	result := domain.RiskResult{
		Medication:  med.Name,
		DisplayName: med.DisplayName(),
		Category:    domain.NO_KNOWN_INTERACTION,
	}

	var matches []matchedRule
	for i := range ordered {
		state := &ordered[i]
		var (
			rule *domain.InteractionRule
			ok   bool
		)
		if state.Kind == domain.PHARMACODYNAMIC_GENE {
			rule, ok = kb.GenotypeRule(state.Gene, med.Name, state.Genotype)
		} else {
			rule, ok = kb.Rule(state.Gene, med.Name, state.Effective)
		}
		if ok {
			matches = append(matches, matchedRule{state: state, rule: rule})
		}
	}

	if len(matches) == 0 {
		e.noKnownInteraction(kb, ordered, med, &result)
		return result
	}

	selected := matches[0]
	for _, m := range matches[1:] {
		if m.rule.Category.Rank() > selected.rule.Category.Rank() {
			selected = m
		}
	}

	for _, m := range matches {
		result.Contributions = append(result.Contributions, domain.GeneContribution{
			Gene:               m.state.Gene,
			EffectivePhenotype: m.state.Effective,
			Genotype:           m.state.Genotype,
			Category:           m.rule.Category,
			Rationale:          m.rule.Rationale,
		})
		result.FlowsheetPrompts = appendMissing(result.FlowsheetPrompts, m.rule.FlowsheetPrompts...)
	}

	result.Gene = selected.state.Gene
	result.EffectivePhenotype = selected.state.Effective
	result.Genotype = selected.state.Genotype
	result.Category = selected.rule.Category
	result.Rationale = selected.rule.Rationale

	result.MatchedSymptoms = selected.rule.MatchSymptoms(activeSymptoms(symptoms))
	if len(result.MatchedSymptoms) > 0 {
		escalated := result.Category.Escalate()
		result.Escalated = escalated != result.Category
		result.Category = escalated
	}

	result.EstimatedRisk = estimateRisk(med.PriorRisk, selected.rule.RiskFactor, len(result.MatchedSymptoms) > 0)
	result.Explanation = explain(&result, selected)

	if e.logger != nil {
		e.logger.WithFields(logrus.Fields{
			"medication":          med.Name,
			"gene":                result.Gene,
			"effective_phenotype": result.EffectivePhenotype,
			"category":            result.Category,
			"escalated":           result.Escalated,
			"contributions":       len(result.Contributions),
		}).Debug("Medication risk evaluated")
	}
	return result
}

// noKnownInteraction fills a result for a medication with no matching rule. It
// points at the most relevant gene the patient has, if any, so the reader can
// see which phenotype was checked.
func (e *RiskEvaluator) noKnownInteraction(kb domain.KnowledgeBase, states []domain.GeneState, med *domain.Medication, result *domain.RiskResult) {
	pathways := make(map[string]bool)
	for _, gene := range kb.Pathways(med.Name) {
		pathways[gene] = true
	}

	for i := range states {
		state := &states[i]
		if !pathways[state.Gene] && len(kb.Rules(state.Gene, med.Name)) == 0 {
			continue
		}
		result.Gene = state.Gene
		result.EffectivePhenotype = state.Effective
		result.Genotype = state.Genotype
		checked := string(state.Effective)
		if state.Kind == domain.PHARMACODYNAMIC_GENE {
			checked = state.Genotype
		}
		result.Explanation = fmt.Sprintf("No known interaction: no rule for %s %s with %s.",
			state.Gene, checked, result.DisplayName)
		return
	}
	result.Explanation = fmt.Sprintf("No known interaction: no pharmacogenomic rule applies to %s for the reported genes.",
		result.DisplayName)
}

// Polypharmacy warns when two or more active medications share a metabolic
// pathway. Warnings are ordered by gene, medications within a warning by name.
func (e *RiskEvaluator) Polypharmacy(kb domain.KnowledgeBase, states []domain.GeneState, meds []*domain.Medication) []domain.PolypharmacyWarning {
	byGene := make(map[string][]*domain.Medication)
	for _, med := range meds {
		for _, gene := range kb.Pathways(med.Name) {
			byGene[gene] = append(byGene[gene], med)
		}
	}

	genes := make([]string, 0, len(byGene))
	for gene, group := range byGene {
		if len(group) >= 2 {
			genes = append(genes, gene)
		}
	}
	sort.Strings(genes)

	stateByGene := make(map[string]domain.GeneState, len(states))
	for _, s := range states {
		stateByGene[s.Gene] = s
	}

	warnings := make([]domain.PolypharmacyWarning, 0, len(genes))
	for _, gene := range genes {
		group := byGene[gene]
		sort.Slice(group, func(i, j int) bool { return group[i].Name < group[j].Name })

		w := domain.PolypharmacyWarning{Gene: gene}
		display := make([]string, len(group))
		for i, med := range group {
			w.Medications = append(w.Medications, med.Name)
			display[i] = med.DisplayName()
		}
		for _, med := range meds {
			for _, m := range med.Modifiers {
				if m.Gene == gene {
					w.Modifiers = appendMissing(w.Modifiers, med.Name)
				}
			}
		}
		sort.Strings(w.Modifiers)

		if s, ok := stateByGene[gene]; ok && s.Usable() && s.Kind == domain.METABOLIZER_GENE {
			w.EffectivePhenotype = s.Effective
		}

		w.Message = fmt.Sprintf("Polypharmacy alert: %s all metabolized by %s. Increased risk of drug-drug interaction and toxicity.",
			strings.Join(display, ", "), gene)
		warnings = append(warnings, w)
	}

	if len(warnings) > 0 && e.logger != nil {
		e.logger.WithField("warnings", len(warnings)).Debug("Polypharmacy warnings raised")
	}
	return warnings
}

// usableStates returns scoreable states sorted by gene symbol.
func usableStates(states []domain.GeneState) []domain.GeneState {
	out := make([]domain.GeneState, 0, len(states))
	for _, s := range states {
		if s.Usable() {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Gene < out[j].Gene })
	return out
}

func activeSymptoms(symptoms []string) []string {
	ctx := domain.PatientContext{Symptoms: symptoms}
	return ctx.ActiveSymptoms()
}

// estimateRisk is min(prior x factor x symptom factor, 1). A missing factor counts as 1.
func estimateRisk(prior, factor float64, symptomMatched bool) float64 {
	if prior <= 0 {
		return 0
	}
	if factor <= 0 {
		factor = 1
	}
	risk := prior * factor
	if symptomMatched {
		risk *= 2
	}
	return math.Round(math.Min(risk, 1)*1000) / 1000
}

func explain(result *domain.RiskResult, selected matchedRule) string {
	var b strings.Builder
	checked := string(selected.state.Effective)
	if selected.state.Kind == domain.PHARMACODYNAMIC_GENE {
		checked = selected.state.Genotype
	}
	fmt.Fprintf(&b, "%s: %s %s with %s.", result.Category, selected.state.Gene, checked, result.DisplayName)

	if selected.state.Converted() {
		fmt.Fprintf(&b, " Reported %s, converted by %s.", selected.state.Reported, describeApplied(selected.state.AppliedModifiers))
	}
	if result.Escalated {
		fmt.Fprintf(&b, " Escalated from %s: reported %s.", selected.rule.Category, strings.Join(result.MatchedSymptoms, ", "))
	} else if len(result.MatchedSymptoms) > 0 {
		fmt.Fprintf(&b, " Reported %s matches known adverse effects.", strings.Join(result.MatchedSymptoms, ", "))
	}
	return b.String()
}

func describeApplied(mods []domain.AppliedModifier) string {
	parts := make([]string, len(mods))
	for i, m := range mods {
		parts[i] = m.Describe()
	}
	return strings.Join(parts, ", ")
}

func appendMissing(values []string, add ...string) []string {
	for _, v := range add {
		found := false
		for _, existing := range values {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			values = append(values, v)
		}
	}
	return values
}
