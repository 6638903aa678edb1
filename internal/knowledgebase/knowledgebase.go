package knowledgebase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pgx-cds-server/internal/domain"
)

var (
	// trailingParenthetical strips the brand in "sertraline (Zoloft)".
	trailingParenthetical = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
	// trailingDose strips "50 mg", "0.5mg tablet" and similar suffixes.
	trailingDose = regexp.MustCompile(`\s+\d+(\.\d+)?\s*(mg|mcg|g|ml|units?)\b.*$`)
)

type ruleKey struct {
	gene       string
	medication string
	phenotype  domain.Phenotype
	genotype   string
}

type pairKey struct {
	gene       string
	medication string
}

// KnowledgeBase is an immutable index over one Dataset version.
type KnowledgeBase struct {
	version     string
	description string
	genes       map[string]domain.GeneInfo
	medications map[string]*domain.Medication
	synonyms    map[string]string
	rules       map[ruleKey]*domain.InteractionRule
	pairs       map[pairKey][]*domain.InteractionRule
	ruleGenes   map[string][]string
	ruleCount   int
}

// Stats summarizes the size of a knowledge base.
type Stats struct {
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Genes       int    `json:"genes"`
	Medications int    `json:"medications"`
	Synonyms    int    `json:"synonyms"`
	Rules       int    `json:"rules"`
}

// MedicationSuggestion is an autocomplete entry.
type MedicationSuggestion struct {
	Label      string `json:"label"`
	Medication string `json:"medication"`
	Display    string `json:"display"`
}

// New validates ds and builds the lookup index. Every synonym must resolve to
// exactly one medication and every rule must reference a declared gene and medication.
func New(ds *Dataset, logger *logrus.Logger) (*KnowledgeBase, error) {
	if ds == nil {
		return nil, errors.New("dataset is nil")
	}
	if strings.TrimSpace(ds.Version) == "" {
		return nil, domain.NewValidationError("version", "dataset version is required", ds.Version)
	}

	kb := &KnowledgeBase{
		version:     strings.TrimSpace(ds.Version),
		description: ds.Description,
		genes:       make(map[string]domain.GeneInfo, len(ds.Genes)),
		medications: make(map[string]*domain.Medication, len(ds.Medications)),
		synonyms:    make(map[string]string),
		rules:       make(map[ruleKey]*domain.InteractionRule, len(ds.Rules)),
		pairs:       make(map[pairKey][]*domain.InteractionRule),
		ruleGenes:   make(map[string][]string),
	}

	if err := kb.indexGenes(ds.Genes); err != nil {
		return nil, err
	}
	if err := kb.indexMedications(ds.Medications); err != nil {
		return nil, err
	}
	if err := kb.indexRules(ds.Rules); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"version":     kb.version,
			"genes":       len(kb.genes),
			"medications": len(kb.medications),
			"synonyms":    len(kb.synonyms),
			"rules":       kb.ruleCount,
		}).Info("Knowledge base loaded")
	}
	return kb, nil
}

// Load parses a YAML dataset from r and indexes it.
func Load(r io.Reader, logger *logrus.Logger) (*KnowledgeBase, error) {
	ds, err := ParseDataset(r)
	if err != nil {
		return nil, err
	}
	return New(ds, logger)
}

// LoadFile loads a dataset file from disk.
func LoadFile(path string, logger *logrus.Logger) (*KnowledgeBase, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset %s: %w", path, err)
	}
	defer f.Close()
	return Load(f, logger)
}

// Default indexes the embedded behavioral health dataset.
func Default(logger *logrus.Logger) (*KnowledgeBase, error) {
	ds, err := DefaultDataset()
	if err != nil {
		return nil, err
	}
	return New(ds, logger)
}

func (kb *KnowledgeBase) indexGenes(records []GeneRecord) error {
	for i, rec := range records {
		symbol := domain.NormalizeGene(rec.Symbol)
		if symbol == "" {
			return domain.NewValidationError(fmt.Sprintf("genes[%d].symbol", i), "gene symbol is required", rec.Symbol)
		}
		if _, dup := kb.genes[symbol]; dup {
			return domain.NewValidationError(fmt.Sprintf("genes[%d].symbol", i), "duplicate gene", symbol)
		}
		kind := domain.GeneKind(strings.ToLower(strings.TrimSpace(rec.Kind)))
		if kind == "" {
			kind = domain.METABOLIZER_GENE
		}
		if !kind.IsValid() {
			return domain.NewValidationError(fmt.Sprintf("genes[%d].kind", i), "unknown gene kind", rec.Kind)
		}
		kb.genes[symbol] = domain.GeneInfo{Symbol: symbol, Kind: kind, Description: rec.Description}
	}
	return nil
}

func (kb *KnowledgeBase) indexMedications(records []MedicationRecord) error {
	for i, rec := range records {
		field := fmt.Sprintf("medications[%d]", i)
		name := normalizeName(rec.Name)
		if name == "" {
			return domain.NewValidationError(field+".name", "medication name is required", rec.Name)
		}
		if _, dup := kb.medications[name]; dup {
			return domain.NewValidationError(field+".name", "duplicate medication", name)
		}

		med := &domain.Medication{
			Name:      name,
			Brands:    trimAll(rec.Brands),
			Class:     rec.Class,
			PriorRisk: rec.PriorRisk,
		}
		for _, gene := range rec.MetabolizedBy {
			symbol := domain.NormalizeGene(gene)
			if _, ok := kb.genes[symbol]; !ok {
				return fmt.Errorf("%s metabolized_by: %w: %s", name, domain.ErrUnknownGene, symbol)
			}
			med.MetabolizedBy = appendUnique(med.MetabolizedBy, symbol)
		}
		sort.Strings(med.MetabolizedBy)

		for j, m := range rec.Modifiers {
			modifier := domain.Modifier{
				Gene:     domain.NormalizeGene(m.Gene),
				Effect:   domain.Effect(strings.ToLower(strings.TrimSpace(m.Effect))),
				Strength: domain.Strength(strings.ToLower(strings.TrimSpace(m.Strength))),
			}
			if _, ok := kb.genes[modifier.Gene]; !ok {
				return fmt.Errorf("%s modifiers[%d]: %w: %s", name, j, domain.ErrUnknownGene, modifier.Gene)
			}
			if !modifier.Effect.IsValid() {
				return fmt.Errorf("%s modifiers[%d]: %w: %q", name, j, domain.ErrInvalidEffect, m.Effect)
			}
			if !modifier.Strength.IsValid() {
				return fmt.Errorf("%s modifiers[%d]: %w: %q", name, j, domain.ErrInvalidStrength, m.Strength)
			}
			med.Modifiers = append(med.Modifiers, modifier)
		}

		kb.medications[name] = med

		names := append([]string{rec.Name}, rec.Brands...)
		names = append(names, rec.Aliases...)
		for _, synonym := range names {
			if err := kb.addSynonym(synonym, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (kb *KnowledgeBase) addSynonym(synonym, canonical string) error {
	key := normalizeName(synonym)
	if key == "" {
		return nil
	}
	if existing, ok := kb.synonyms[key]; ok && existing != canonical {
		return domain.NewValidationError("synonym", fmt.Sprintf("%q maps to both %s and %s", synonym, existing, canonical), synonym)
	}
	kb.synonyms[key] = canonical
	return nil
}

func (kb *KnowledgeBase) indexRules(records []RuleRecord) error {
	for i, rec := range records {
		field := fmt.Sprintf("rules[%d]", i)
		gene := domain.NormalizeGene(rec.Gene)
		info, ok := kb.genes[gene]
		if !ok {
			return fmt.Errorf("%s: %w: %s", field, domain.ErrUnknownGene, gene)
		}
		med, err := kb.ResolveMedication(rec.Medication)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		category, err := domain.ParseRiskCategory(rec.Category)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if category == domain.NO_KNOWN_INTERACTION {
			return domain.NewValidationError(field+".category", "rules must carry a risk category", rec.Category)
		}

		rule := &domain.InteractionRule{
			Gene:             gene,
			Medication:       med.Name,
			Category:         category,
			Rationale:        strings.TrimSpace(rec.Rationale),
			AdverseEffects:   trimAll(rec.AdverseEffects),
			FlowsheetPrompts: trimAll(rec.FlowsheetPrompts),
			RiskFactor:       rec.RiskFactor,
			Source:           rec.Source,
		}
		key := ruleKey{gene: gene, medication: med.Name}

		switch info.Kind {
		case domain.PHARMACODYNAMIC_GENE:
			if strings.TrimSpace(rec.Genotype) == "" {
				return domain.NewValidationError(field+".genotype", "pharmacodynamic rules are keyed by genotype", rec.Genotype)
			}
			rule.Genotype = strings.TrimSpace(rec.Genotype)
			key.genotype = normalizeGenotype(rec.Genotype)
		default:
			phenotype, err := domain.ParsePhenotype(rec.Phenotype)
			if err != nil {
				return fmt.Errorf("%s: %w", field, err)
			}
			rule.Phenotype = phenotype
			key.phenotype = phenotype
		}

		if _, dup := kb.rules[key]; dup {
			return domain.NewValidationError(field, "duplicate rule", fmt.Sprintf("%s/%s/%s%s", gene, med.Name, rule.Phenotype, rule.Genotype))
		}
		kb.rules[key] = rule
		pk := pairKey{gene: gene, medication: med.Name}
		kb.pairs[pk] = append(kb.pairs[pk], rule)
		kb.ruleGenes[med.Name] = appendUnique(kb.ruleGenes[med.Name], gene)
		kb.ruleCount++
	}
	for med := range kb.ruleGenes {
		sort.Strings(kb.ruleGenes[med])
	}
	return nil
}

// Version returns the dataset version the index was built from.
func (kb *KnowledgeBase) Version() string {
	return kb.version
}

// ResolveMedication maps any accepted name to its canonical medication. It is
// total: every input yields one medication or an *UnknownMedicationError.
func (kb *KnowledgeBase) ResolveMedication(name string) (*domain.Medication, error) {
	for _, candidate := range nameCandidates(name) {
		if canonical, ok := kb.synonyms[candidate]; ok {
			return cloneMedication(kb.medications[canonical]), nil
		}
	}
	return nil, &domain.UnknownMedicationError{Input: name}
}

// Medication returns the canonical medication by its generic name.
func (kb *KnowledgeBase) Medication(name string) (*domain.Medication, bool) {
	med, ok := kb.medications[normalizeName(name)]
	if !ok {
		return nil, false
	}
	return cloneMedication(med), true
}

// Medications lists all canonical medications sorted by name.
func (kb *KnowledgeBase) Medications() []domain.Medication {
	out := make([]domain.Medication, 0, len(kb.medications))
	for _, med := range kb.medications {
		out = append(out, *cloneMedication(med))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Gene returns what the dataset declares about a gene.
func (kb *KnowledgeBase) Gene(symbol string) (domain.GeneInfo, bool) {
	info, ok := kb.genes[domain.NormalizeGene(symbol)]
	return info, ok
}

// KnowsGene reports whether symbol is declared in the dataset.
func (kb *KnowledgeBase) KnowsGene(symbol string) bool {
	_, ok := kb.genes[domain.NormalizeGene(symbol)]
	return ok
}

// Genes lists declared gene symbols sorted alphabetically.
func (kb *KnowledgeBase) Genes() []domain.GeneInfo {
	out := make([]domain.GeneInfo, 0, len(kb.genes))
	for _, info := range kb.genes {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Modifiers enumerates every gene effect of a canonical medication.
func (kb *KnowledgeBase) Modifiers(medication string) []domain.Modifier {
	med, ok := kb.medications[normalizeName(medication)]
	if !ok || len(med.Modifiers) == 0 {
		return nil
	}
	return append([]domain.Modifier(nil), med.Modifiers...)
}

// ModifiersForGene collects the effects the given canonical medications have on
// gene, attributed to each medication. Order follows meds.
func (kb *KnowledgeBase) ModifiersForGene(gene string, meds []string) []domain.AppliedModifier {
	gene = domain.NormalizeGene(gene)
	var applied []domain.AppliedModifier
	for _, name := range meds {
		med, ok := kb.medications[normalizeName(name)]
		if !ok {
			continue
		}
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

// Rules returns every rule for the exact (gene, medication) pair.
func (kb *KnowledgeBase) Rules(gene, medication string) []domain.InteractionRule {
	rules := kb.pairs[pairKey{gene: domain.NormalizeGene(gene), medication: normalizeName(medication)}]
	out := make([]domain.InteractionRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, *cloneRule(r))
	}
	return out
}

// RuleGenes returns the genes that have at least one rule for medication.
func (kb *KnowledgeBase) RuleGenes(medication string) []string {
	return append([]string(nil), kb.ruleGenes[normalizeName(medication)]...)
}

// Rule looks up the metabolizer rule for (gene, medication, phenotype).
func (kb *KnowledgeBase) Rule(gene, medication string, phenotype domain.Phenotype) (*domain.InteractionRule, bool) {
	rule, ok := kb.rules[ruleKey{
		gene:       domain.NormalizeGene(gene),
		medication: normalizeName(medication),
		phenotype:  phenotype,
	}]
	if !ok {
		return nil, false
	}
	return cloneRule(rule), true
}

// GenotypeRule looks up the pharmacodynamic rule for (gene, medication, genotype).
func (kb *KnowledgeBase) GenotypeRule(gene, medication, genotype string) (*domain.InteractionRule, bool) {
	rule, ok := kb.rules[ruleKey{
		gene:       domain.NormalizeGene(gene),
		medication: normalizeName(medication),
		genotype:   normalizeGenotype(genotype),
	}]
	if !ok {
		return nil, false
	}
	return cloneRule(rule), true
}

// Pathways returns the genes a medication is metabolized through.
func (kb *KnowledgeBase) Pathways(medication string) []string {
	med, ok := kb.medications[normalizeName(medication)]
	if !ok {
		return nil
	}
	return append([]string(nil), med.MetabolizedBy...)
}

// Suggest returns medications whose generic or brand name starts with prefix,
// falling back to substring matches. Results are sorted by label.
func (kb *KnowledgeBase) Suggest(prefix string, limit int) []MedicationSuggestion {
	query := normalizeName(prefix)
	if query == "" {
		return nil
	}
	if limit <= 0 {
		limit = 10
	}

	var prefixed, contained []MedicationSuggestion
	for synonym, canonical := range kb.synonyms {
		med := kb.medications[canonical]
		s := MedicationSuggestion{Label: synonym, Medication: canonical, Display: med.DisplayName()}
		switch {
		case strings.HasPrefix(synonym, query):
			prefixed = append(prefixed, s)
		case strings.Contains(synonym, query):
			contained = append(contained, s)
		}
	}
	byLabel := func(list []MedicationSuggestion) {
		sort.Slice(list, func(i, j int) bool { return list[i].Label < list[j].Label })
	}
	byLabel(prefixed)
	byLabel(contained)

	out := append(prefixed, contained...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats reports index sizes.
func (kb *KnowledgeBase) Stats() Stats {
	return Stats{
		Version:     kb.version,
		Description: kb.description,
		Genes:       len(kb.genes),
		Medications: len(kb.medications),
		Synonyms:    len(kb.synonyms),
		Rules:       kb.ruleCount,
	}
}

// nameCandidates lists the lookup keys tried for a free-text medication entry,
// most specific first.
func nameCandidates(input string) []string {
	full := normalizeName(input)
	if full == "" {
		return nil
	}
	candidates := []string{full}
	if stripped := normalizeName(trailingParenthetical.ReplaceAllString(full, "")); stripped != "" && stripped != full {
		candidates = append(candidates, stripped)
	}
	if stripped := normalizeName(trailingDose.ReplaceAllString(candidates[len(candidates)-1], "")); stripped != "" && stripped != candidates[len(candidates)-1] {
		candidates = append(candidates, stripped)
	}
	return candidates
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func normalizeGenotype(genotype string) string {
	return strings.ToLower(strings.Join(strings.Fields(genotype), ""))
}

func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func appendUnique(values []string, v string) []string {
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	return append(values, v)
}

func cloneMedication(m *domain.Medication) *domain.Medication {
	c := *m
	c.Brands = append([]string(nil), m.Brands...)
	c.MetabolizedBy = append([]string(nil), m.MetabolizedBy...)
	c.Modifiers = append([]domain.Modifier(nil), m.Modifiers...)
	return &c
}

func cloneRule(r *domain.InteractionRule) *domain.InteractionRule {
	c := *r
	c.AdverseEffects = append([]string(nil), r.AdverseEffects...)
	c.FlowsheetPrompts = append([]string(nil), r.FlowsheetPrompts...)
	return &c
}
