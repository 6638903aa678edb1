package domain

import (
	"fmt"
	"strings"
	"time"
)

// Medication is a canonical generic medication with its brand synonyms and
// the gene pathways it is metabolized by or modifies.
type Medication struct {
	Name          string     `json:"name"`
	Brands        []string   `json:"brands,omitempty"`
	Class         string     `json:"class,omitempty"`
	MetabolizedBy []string   `json:"metabolized_by,omitempty"`
	Modifiers     []Modifier `json:"modifiers,omitempty"`
	// PriorRisk is the baseline adverse event rate used for the reference estimate.
	PriorRisk float64 `json:"prior_risk,omitempty"`
}

// DisplayName renders "generic (Brand)" for clinician-facing output.
func (m *Medication) DisplayName() string {
	if len(m.Brands) == 0 {
		return m.Name
	}
	return fmt.Sprintf("%s (%s)", m.Name, m.Brands[0])
}

// Modifier records that a medication inhibits or induces a gene.
type Modifier struct {
	Gene     string   `json:"gene"`
	Effect   Effect   `json:"effect"`
	Strength Strength `json:"strength"`
}

// Steps returns the signed phenotype shift of this modifier.
func (m Modifier) Steps() int {
	return m.Effect.Direction() * m.Strength.Steps()
}

// AppliedModifier is a Modifier attributed to the active medication that carries it.
type AppliedModifier struct {
	Medication string   `json:"medication"`
	Gene       string   `json:"gene"`
	Effect     Effect   `json:"effect"`
	Strength   Strength `json:"strength"`
	Steps      int      `json:"steps"`
}

// Describe renders "paroxetine strong inhibitor".
func (a AppliedModifier) Describe() string {
	return fmt.Sprintf("%s %s %s", a.Medication, a.Strength, a.Effect)
}

// GeneInfo describes a gene known to the knowledge base.
type GeneInfo struct {
	Symbol      string   `json:"symbol"`
	Kind        GeneKind `json:"kind"`
	Description string   `json:"description,omitempty"`
}

// InteractionRule is one row of the gene-drug rule table. Metabolizer rules are
// keyed by phenotype, pharmacodynamic rules by genotype marker.
type InteractionRule struct {
	Gene             string       `json:"gene"`
	Medication       string       `json:"medication"`
	Phenotype        Phenotype    `json:"phenotype,omitempty"`
	Genotype         string       `json:"genotype,omitempty"`
	Category         RiskCategory `json:"category"`
	Rationale        string       `json:"rationale"`
	AdverseEffects   []string     `json:"adverse_effects,omitempty"`
	FlowsheetPrompts []string     `json:"flowsheet_prompts,omitempty"`
	RiskFactor       float64      `json:"risk_factor,omitempty"`
	Source           string       `json:"source,omitempty"`
}

// MatchSymptoms returns the reported symptoms that appear in the rule's adverse-effect set.
func (r *InteractionRule) MatchSymptoms(symptoms []string) []string {
	if len(r.AdverseEffects) == 0 || len(symptoms) == 0 {
		return nil
	}
	known := make(map[string]struct{}, len(r.AdverseEffects))
	for _, effect := range r.AdverseEffects {
		known[NormalizeSymptom(effect)] = struct{}{}
	}
	var matched []string
	for _, symptom := range symptoms {
		if _, ok := known[NormalizeSymptom(symptom)]; ok {
			matched = append(matched, symptom)
		}
	}
	return matched
}

// ReportedGene is one gene result as it appears on a PGx report.
type ReportedGene struct {
	Gene      string `json:"gene"`
	Phenotype string `json:"phenotype,omitempty"`
	Genotype  string `json:"genotype,omitempty"`
}

// PatientContext is the full input of one assessment. It is built fresh for
// every evaluation and never shared between sessions.
type PatientContext struct {
	Genes       []ReportedGene `json:"genes"`
	Medications []string       `json:"medications"`
	Symptoms    []string       `json:"symptoms,omitempty"`
}

// ActiveSymptoms drops blanks and the "None" placeholder.
func (p *PatientContext) ActiveSymptoms() []string {
	var active []string
	seen := make(map[string]struct{})
	for _, s := range p.Symptoms {
		key := NormalizeSymptom(s)
		if key == "" || key == "none" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		active = append(active, strings.TrimSpace(s))
	}
	return active
}

// GeneState is the phenotype store entry for one gene: what the report said and
// what the patient effectively expresses under the current medication list.
type GeneState struct {
	Gene             string            `json:"gene"`
	Kind             GeneKind          `json:"kind"`
	ReportedText     string            `json:"reported_text,omitempty"`
	Reported         Phenotype         `json:"reported,omitempty"`
	Effective        Phenotype         `json:"effective,omitempty"`
	Genotype         string            `json:"genotype,omitempty"`
	Shift            int               `json:"shift"`
	Clamped          bool              `json:"clamped,omitempty"`
	AppliedModifiers []AppliedModifier `json:"applied_modifiers,omitempty"`
	WeakModifiers    []AppliedModifier `json:"weak_modifiers,omitempty"`
	Known            bool              `json:"known"`
	Error            string            `json:"error,omitempty"`
}

// Converted reports whether co-medications changed the phenotype.
func (g *GeneState) Converted() bool {
	return g.Error == "" && g.Reported != "" && g.Effective != g.Reported
}

// ConversionNote renders the phenoconversion log line for this gene, or "" when
// no active medication affects it.
func (g *GeneState) ConversionNote() string {
	if g.Error != "" || (len(g.AppliedModifiers) == 0 && len(g.WeakModifiers) == 0) {
		return ""
	}
	if len(g.AppliedModifiers) == 0 {
		return fmt.Sprintf("%s: reported %s, unchanged (%s; weak effect noted)",
			g.Gene, g.Reported, describeModifiers(g.WeakModifiers))
	}
	note := fmt.Sprintf("%s: reported %s, adjusted to %s (%s)",
		g.Gene, g.Reported, g.Effective, describeModifiers(g.AppliedModifiers))
	if g.Clamped {
		note += fmt.Sprintf("; shift of %+d limited to the phenotype range", g.Shift)
	}
	return note
}

func describeModifiers(mods []AppliedModifier) string {
	parts := make([]string, len(mods))
	for i, m := range mods {
		parts[i] = m.Describe()
	}
	return strings.Join(parts, ", ")
}

// Usable reports whether the state can be scored.
func (g *GeneState) Usable() bool {
	return g.Error == "" && (g.Effective.IsValid() || g.Genotype != "")
}

// GeneContribution is the rule a single gene contributed to a RiskResult.
type GeneContribution struct {
	Gene               string       `json:"gene"`
	EffectivePhenotype Phenotype    `json:"effective_phenotype,omitempty"`
	Genotype           string       `json:"genotype,omitempty"`
	Category           RiskCategory `json:"category"`
	Rationale          string       `json:"rationale"`
}

// RiskResult is the evaluation of one active medication.
type RiskResult struct {
	Medication         string             `json:"medication"`
	DisplayName        string             `json:"display_name"`
	Category           RiskCategory       `json:"category"`
	Gene               string             `json:"gene,omitempty"`
	EffectivePhenotype Phenotype          `json:"effective_phenotype,omitempty"`
	Genotype           string             `json:"genotype,omitempty"`
	Contributions      []GeneContribution `json:"contributions,omitempty"`
	Escalated          bool               `json:"escalated,omitempty"`
	MatchedSymptoms    []string           `json:"matched_symptoms,omitempty"`
	Rationale          string             `json:"rationale,omitempty"`
	Explanation        string             `json:"explanation"`
	FlowsheetPrompts   []string           `json:"flowsheet_prompts,omitempty"`
	EstimatedRisk      float64            `json:"estimated_risk,omitempty"`
}

// PolypharmacyWarning flags two or more active medications sharing a gene pathway.
type PolypharmacyWarning struct {
	Gene               string    `json:"gene"`
	Medications        []string  `json:"medications"`
	EffectivePhenotype Phenotype `json:"effective_phenotype,omitempty"`
	Modifiers          []string  `json:"modifiers,omitempty"`
	Message            string    `json:"message"`
}

// Issue is a recoverable problem with a single input entity.
type Issue struct {
	Kind    IssueKind `json:"kind"`
	Subject string    `json:"subject"`
	Message string    `json:"message"`
}

// AssessmentSummary holds the headline counts shown with an assessment.
type AssessmentSummary struct {
	HighRiskCount     int `json:"high_risk_count"`
	PolypharmacyCount int `json:"polypharmacy_count"`
	ConvertedGenes    int `json:"converted_genes"`
	MarkerCount       int `json:"marker_count"`
}

// Assessment is the complete output for one PatientContext.
type Assessment struct {
	ID                   string                `json:"id"`
	KnowledgeBaseVersion string                `json:"knowledge_base_version"`
	Genes                []GeneState           `json:"genes"`
	Medications          []string              `json:"medications"`
	Symptoms             []string              `json:"symptoms,omitempty"`
	Results              []RiskResult          `json:"results"`
	Polypharmacy         []PolypharmacyWarning `json:"polypharmacy,omitempty"`
	Issues               []Issue               `json:"issues,omitempty"`
	Summary              AssessmentSummary     `json:"summary"`
	CreatedAt            time.Time             `json:"created_at"`
}

// Gene returns the state for symbol, if present.
func (a *Assessment) Gene(symbol string) (*GeneState, bool) {
	symbol = NormalizeGene(symbol)
	for i := range a.Genes {
		if a.Genes[i].Gene == symbol {
			return &a.Genes[i], true
		}
	}
	return nil, false
}

// Result returns the risk result for a canonical medication name, if present.
func (a *Assessment) Result(medication string) (*RiskResult, bool) {
	for i := range a.Results {
		if a.Results[i].Medication == medication {
			return &a.Results[i], true
		}
	}
	return nil, false
}
