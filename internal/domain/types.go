// Package domain contains core business entities and types for pharmacogenomic (PGx)
// medication risk evaluation with phenoconversion adjustment.
//
// Phenotype vocabulary follows the CPIC standardized terms for allele function and
// metabolizer status. Reference: Caudle et al. (2017) Standardizing terms for clinical
// pharmacogenetic test results. Genet Med. 19(2):215-223. doi: 10.1038/gim.2016.87
package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Phenotype is the metabolizer status of a gene. Values are ordered from the
// slowest to the fastest metabolizer and adjustment moves along that order.
type Phenotype string

const (
	POOR_METABOLIZER         Phenotype = "Poor Metabolizer"
	INTERMEDIATE_METABOLIZER Phenotype = "Intermediate Metabolizer"
	NORMAL_METABOLIZER       Phenotype = "Normal Metabolizer"
	RAPID_METABOLIZER        Phenotype = "Rapid Metabolizer"
	ULTRARAPID_METABOLIZER   Phenotype = "Ultrarapid Metabolizer"
)

// phenotypeOrder lists phenotypes by rank.
var phenotypeOrder = []Phenotype{
	POOR_METABOLIZER,
	INTERMEDIATE_METABOLIZER,
	NORMAL_METABOLIZER,
	RAPID_METABOLIZER,
	ULTRARAPID_METABOLIZER,
}

// Effect is the direction in which a modifier medication moves enzyme activity.
type Effect string

const (
	INHIBITOR Effect = "inhibitor"
	INDUCER   Effect = "inducer"
)

// Strength is the clinical strength of an inhibitor or inducer.
type Strength string

const (
	STRONG   Strength = "strong"
	MODERATE Strength = "moderate"
	WEAK     Strength = "weak"
)

// RiskCategory is the categorical outcome of a gene-drug risk evaluation.
type RiskCategory string

const (
	NO_KNOWN_INTERACTION RiskCategory = "No Known Interaction"
	LOW_RISK             RiskCategory = "Low"
	MODERATE_RISK        RiskCategory = "Moderate"
	HIGH_RISK            RiskCategory = "High"
	CONTRAINDICATED      RiskCategory = "Contraindicated"
)

var riskOrder = []RiskCategory{
	NO_KNOWN_INTERACTION,
	LOW_RISK,
	MODERATE_RISK,
	HIGH_RISK,
	CONTRAINDICATED,
}

// GeneKind distinguishes drug-metabolizing enzymes from pharmacodynamic markers.
type GeneKind string

const (
	METABOLIZER_GENE     GeneKind = "metabolizer"
	PHARMACODYNAMIC_GENE GeneKind = "pharmacodynamic"
)

// IssueKind classifies a recoverable per-entity problem found during an assessment.
type IssueKind string

const (
	ISSUE_UNKNOWN_MEDICATION IssueKind = "unknown_medication"
	ISSUE_UNKNOWN_GENE       IssueKind = "unknown_gene"
	ISSUE_INVALID_PHENOTYPE  IssueKind = "invalid_phenotype"
	ISSUE_DUPLICATE_GENE     IssueKind = "duplicate_gene"
)

// Excluded reports whether the entity behind the issue was left out of
// scoring. Unknown genes are still adjusted and duplicate genes keep their
// first result, so those are notes rather than exclusions.
func (k IssueKind) Excluded() bool {
	return k == ISSUE_UNKNOWN_MEDICATION || k == ISSUE_INVALID_PHENOTYPE
}

var (
	ErrNotFound            = errors.New("not found")
	ErrUnknownMedication   = errors.New("unknown medication")
	ErrUnknownGene         = errors.New("unknown gene")
	ErrInvalidPhenotype    = errors.New("invalid phenotype value")
	ErrInvalidEffect       = errors.New("invalid modifier effect")
	ErrInvalidStrength     = errors.New("invalid modifier strength")
	ErrInvalidRiskCategory = errors.New("invalid risk category")
	ErrEmptyContext        = errors.New("patient context has no genes and no medications")
)

// IsValid reports whether the phenotype is one of the five metabolizer categories.
func (p Phenotype) IsValid() bool {
	return p.Rank() >= 0
}

// String returns the string representation of the phenotype.
func (p Phenotype) String() string {
	return string(p)
}

// Rank returns the position of the phenotype in the metabolizer order, or -1 if invalid.
func (p Phenotype) Rank() int {
	for i, candidate := range phenotypeOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Shift moves the phenotype by steps along the metabolizer order. Negative steps
// move toward poor, positive toward ultrarapid. The result is clamped to the
// bounds; clamped reports whether clamping occurred.
func (p Phenotype) Shift(steps int) (shifted Phenotype, clamped bool) {
	rank := p.Rank()
	if rank < 0 {
		return p, false
	}
	target := rank + steps
	switch {
	case target < 0:
		return phenotypeOrder[0], true
	case target >= len(phenotypeOrder):
		return phenotypeOrder[len(phenotypeOrder)-1], true
	}
	return phenotypeOrder[target], false
}

// Abbreviation returns the conventional short form (PM, IM, NM, RM, UM).
func (p Phenotype) Abbreviation() string {
	switch p {
	case POOR_METABOLIZER:
		return "PM"
	case INTERMEDIATE_METABOLIZER:
		return "IM"
	case NORMAL_METABOLIZER:
		return "NM"
	case RAPID_METABOLIZER:
		return "RM"
	case ULTRARAPID_METABOLIZER:
		return "UM"
	default:
		return ""
	}
}

// LogFields returns structured logging fields for audit trails.
func (p Phenotype) LogFields() map[string]any {
	return map[string]any{
		"phenotype":      string(p),
		"phenotype_rank": p.Rank(),
		"is_valid":       p.IsValid(),
	}
}

// phenotypeAliases maps normalized report wording to a phenotype. Function-style
// labels are how some labs report CYP3A4 and transporter activity.
var phenotypeAliases = map[string]Phenotype{
	"poor metabolizer":         POOR_METABOLIZER,
	"poor":                     POOR_METABOLIZER,
	"pm":                       POOR_METABOLIZER,
	"no function":              POOR_METABOLIZER,
	"poor function":            POOR_METABOLIZER,
	"intermediate metabolizer": INTERMEDIATE_METABOLIZER,
	"intermediate":             INTERMEDIATE_METABOLIZER,
	"im":                       INTERMEDIATE_METABOLIZER,
	"decreased function":       INTERMEDIATE_METABOLIZER,
	"reduced function":         INTERMEDIATE_METABOLIZER,
	"normal metabolizer":       NORMAL_METABOLIZER,
	"normal":                   NORMAL_METABOLIZER,
	"nm":                       NORMAL_METABOLIZER,
	"extensive metabolizer":    NORMAL_METABOLIZER,
	"extensive":                NORMAL_METABOLIZER,
	"em":                       NORMAL_METABOLIZER,
	"normal function":          NORMAL_METABOLIZER,
	"rapid metabolizer":        RAPID_METABOLIZER,
	"rapid":                    RAPID_METABOLIZER,
	"rm":                       RAPID_METABOLIZER,
	"increased function":       RAPID_METABOLIZER,
	"ultrarapid metabolizer":   ULTRARAPID_METABOLIZER,
	"ultra-rapid metabolizer":  ULTRARAPID_METABOLIZER,
	"ultra rapid metabolizer":  ULTRARAPID_METABOLIZER,
	"ultrarapid":               ULTRARAPID_METABOLIZER,
	"ultra-rapid":              ULTRARAPID_METABOLIZER,
	"ultra rapid":              ULTRARAPID_METABOLIZER,
	"um":                       ULTRARAPID_METABOLIZER,
	"ur":                       ULTRARAPID_METABOLIZER,
}

// ParsePhenotype converts report wording into a Phenotype.
func ParsePhenotype(raw string) (Phenotype, error) {
	key := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	if key == "" {
		return "", fmt.Errorf("%w: phenotype is empty", ErrInvalidPhenotype)
	}
	if p, ok := phenotypeAliases[key]; ok {
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPhenotype, raw)
}

// PhenotypeAliases returns every recognized wording, longest first, so callers
// scanning free text can prefer the most specific match.
func PhenotypeAliases() []string {
	aliases := make([]string, 0, len(phenotypeAliases))
	for alias := range phenotypeAliases {
		aliases = append(aliases, alias)
	}
	sort.Slice(aliases, func(i, j int) bool {
		if len(aliases[i]) != len(aliases[j]) {
			return len(aliases[i]) > len(aliases[j])
		}
		return aliases[i] < aliases[j]
	})
	return aliases
}

// IsValid reports whether the effect is a known modifier direction.
func (e Effect) IsValid() bool {
	switch e {
	case INHIBITOR, INDUCER:
		return true
	default:
		return false
	}
}

// String returns the string representation of the effect.
func (e Effect) String() string {
	return string(e)
}

// Direction returns -1 for inhibitors (toward poor) and +1 for inducers (toward ultrarapid).
func (e Effect) Direction() int {
	switch e {
	case INHIBITOR:
		return -1
	case INDUCER:
		return 1
	default:
		return 0
	}
}

// IsValid reports whether the strength is known.
func (s Strength) IsValid() bool {
	switch s {
	case STRONG, MODERATE, WEAK:
		return true
	default:
		return false
	}
}

// String returns the string representation of the strength.
func (s Strength) String() string {
	return string(s)
}

// Steps returns the number of phenotype steps a modifier of this strength shifts.
// Weak modifiers shift nothing and are only flagged.
func (s Strength) Steps() int {
	switch s {
	case STRONG:
		return 2
	case MODERATE:
		return 1
	default:
		return 0
	}
}

// IsValid reports whether the category is known.
func (r RiskCategory) IsValid() bool {
	return r.Rank() >= 0
}

// String returns the string representation of the category.
func (r RiskCategory) String() string {
	return string(r)
}

// Rank returns the severity order of the category, or -1 if invalid.
func (r RiskCategory) Rank() int {
	for i, candidate := range riskOrder {
		if candidate == r {
			return i
		}
	}
	return -1
}

// Escalate raises the category by one level, never beyond Contraindicated.
// No Known Interaction has no rule to escalate and is returned unchanged.
func (r RiskCategory) Escalate() RiskCategory {
	rank := r.Rank()
	if rank <= 0 || rank == len(riskOrder)-1 {
		return r
	}
	return riskOrder[rank+1]
}

// IsHighRisk reports whether the category warrants prescriber attention.
func (r RiskCategory) IsHighRisk() bool {
	return r == HIGH_RISK || r == CONTRAINDICATED
}

// ParseRiskCategory converts dataset wording into a RiskCategory.
func ParseRiskCategory(raw string) (RiskCategory, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	for _, candidate := range riskOrder {
		if strings.ToLower(string(candidate)) == key {
			return candidate, nil
		}
	}
	switch key {
	case "none", "no interaction":
		return NO_KNOWN_INTERACTION, nil
	case "avoid":
		return CONTRAINDICATED, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRiskCategory, raw)
}

// LogFields returns structured logging fields for audit trails.
func (r RiskCategory) LogFields() map[string]any {
	return map[string]any{
		"risk_category": string(r),
		"risk_rank":     r.Rank(),
		"high_risk":     r.IsHighRisk(),
	}
}

// IsValid reports whether the gene kind is known.
func (k GeneKind) IsValid() bool {
	switch k {
	case METABOLIZER_GENE, PHARMACODYNAMIC_GENE:
		return true
	default:
		return false
	}
}

// NormalizeGene returns the canonical upper-case gene symbol.
func NormalizeGene(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// NormalizeSymptom returns the comparison key for a reported symptom.
func NormalizeSymptom(symptom string) string {
	return strings.Join(strings.Fields(strings.ToLower(symptom)), " ")
}
