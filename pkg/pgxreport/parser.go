// Package pgxreport extracts gene results from the text of a pharmacogenomic
// lab report. It understands the common layouts where a gene symbol and its
// phenotype (or genotype marker) share a line.
package pgxreport

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pgx-cds-server/internal/domain"
)

var (
	// cypPattern matches cytochrome P450 symbols such as CYP2D6 or CYP3A4.
	cypPattern = `CYP\d{1,2}[A-Z]\d{1,2}`
	cypSymbol  = regexp.MustCompile(`^` + cypPattern + `$`)

	// markerPattern matches pharmacodynamic genotype markers: A/A, S/L, Val/Met.
	markerPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9*/])([A-Za-z]{1,3}\s*/\s*[A-Za-z]{1,3})(?:$|[^A-Za-z0-9/])`)

	// diplotypePattern matches star-allele diplotypes: *1/*4, *1/*2xN, *17/*17.
	diplotypePattern = regexp.MustCompile(`\*\d+[A-Z]?(?:x(?:\d+|N))?\s*/\s*\*\d+[A-Z]?(?:x(?:\d+|N))?`)

	// phenotypeTiers are searched in order: full phrases ("normal metabolizer",
	// "decreased function"), then single words, then upper-case abbreviations.
	// A later tier is only consulted when the earlier ones find nothing.
	phenotypeTiers = buildPhenotypeTiers()

	// clockSuffix matches text ending in a time such as "3 " or "10:45 ", which
	// makes a following PM a time of day. Star alleles (*1/*4) do not count.
	clockSuffix = regexp.MustCompile(`(?:^|[^\w*/])\d{1,2}(?:[:.]\d{2})?\s*$`)

	defaultPharmacodynamic = []string{"HTR2A", "SLC6A4", "COMT"}
)

type phenotypeTier struct {
	pattern      *regexp.Regexp
	abbreviation bool
}

func buildPhenotypeTiers() []phenotypeTier {
	var phrases, words, abbreviations []string
	for _, alias := range domain.PhenotypeAliases() {
		quoted := strings.ReplaceAll(regexp.QuoteMeta(alias), " ", `\s+`)
		switch {
		case strings.ContainsAny(alias, " -"):
			phrases = append(phrases, quoted)
		case len(alias) > 2:
			words = append(words, quoted)
		default:
			abbreviations = append(abbreviations, strings.ToUpper(quoted))
		}
	}
	return []phenotypeTier{
		{pattern: aliasPattern(`(?i)`, phrases)},
		{pattern: aliasPattern(`(?i)`, words)},
		{pattern: aliasPattern(``, abbreviations), abbreviation: true},
	}
}

func aliasPattern(flags string, aliases []string) *regexp.Regexp {
	return regexp.MustCompile(flags + `(?:^|[^A-Za-z])(` + strings.Join(aliases, "|") + `)(?:$|[^A-Za-z])`)
}

// Finding is one gene mention located in the report text.
type Finding struct {
	Line      int    `json:"line"`
	Gene      string `json:"gene"`
	Phenotype string `json:"phenotype,omitempty"`
	Genotype  string `json:"genotype,omitempty"`
	Text      string `json:"text"`
}

// Report is the result of parsing one report.
type Report struct {
	Genes []domain.ReportedGene `json:"genes"`
	// Conflicts lists later mentions that disagree with the first result for a gene.
	Conflicts []Finding `json:"conflicts,omitempty"`
	// Unrecognized lists gene mentions with no phenotype or marker on the line.
	Unrecognized []Finding `json:"unrecognized,omitempty"`
}

// Markers returns the number of distinct genes found.
func (r *Report) Markers() int {
	return len(r.Genes)
}

// Parser extracts gene results from report text.
type Parser struct {
	genePattern     *regexp.Regexp
	pharmacodynamic map[string]bool
}

// Option configures a Parser.
type Option func(*Parser)

// WithGenes adds gene symbols beyond the CYP family and default markers.
// Pharmacodynamic genes are read as genotype markers.
func WithGenes(genes []domain.GeneInfo) Option {
	return func(p *Parser) {
		extra := make([]string, 0, len(genes))
		for _, g := range genes {
			symbol := domain.NormalizeGene(g.Symbol)
			if symbol == "" {
				continue
			}
			extra = append(extra, symbol)
			if g.Kind == domain.PHARMACODYNAMIC_GENE {
				p.pharmacodynamic[symbol] = true
			}
		}
		p.genePattern = buildGenePattern(extra)
	}
}

// NewParser creates a report parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{
		genePattern:     buildGenePattern(nil),
		pharmacodynamic: make(map[string]bool),
	}
	for _, g := range defaultPharmacodynamic {
		p.pharmacodynamic[g] = true
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func buildGenePattern(extra []string) *regexp.Regexp {
	symbols := append([]string(nil), defaultPharmacodynamic...)
	for _, s := range extra {
		if !cypSymbol.MatchString(s) {
			symbols = append(symbols, regexp.QuoteMeta(s))
		}
	}
	sort.Slice(symbols, func(i, j int) bool { return len(symbols[i]) > len(symbols[j]) })
	return regexp.MustCompile(`(?i)\b(` + cypPattern + `|` + strings.Join(symbols, "|") + `)\b`)
}

// Parse extracts gene results. The first result for a gene wins; later
// disagreeing mentions are reported as conflicts.
func (p *Parser) Parse(text string) (*Report, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("parsing report: %w", domain.NewValidationError("text", "report text cannot be empty", text))
	}

	report := &Report{}
	seen := make(map[string]int)

	for i, line := range strings.Split(text, "\n") {
		for _, f := range p.scanLine(line, i+1) {
			if f.Phenotype == "" && f.Genotype == "" {
				report.Unrecognized = append(report.Unrecognized, f)
				continue
			}
			if idx, ok := seen[f.Gene]; ok {
				existing := report.Genes[idx]
				if !sameResult(existing, f) {
					report.Conflicts = append(report.Conflicts, f)
				}
				continue
			}
			seen[f.Gene] = len(report.Genes)
			report.Genes = append(report.Genes, domain.ReportedGene{
				Gene:      f.Gene,
				Phenotype: f.Phenotype,
				Genotype:  f.Genotype,
			})
		}
	}

	// A gene first seen without a result is not unrecognized if a later line had one.
	filtered := report.Unrecognized[:0]
	for _, f := range report.Unrecognized {
		if _, ok := seen[f.Gene]; !ok {
			filtered = append(filtered, f)
		}
	}
	report.Unrecognized = filtered

	return report, nil
}

// scanLine finds every gene on a line and reads the text up to the next gene.
func (p *Parser) scanLine(line string, lineNo int) []Finding {
	matches := p.genePattern.FindAllStringSubmatchIndex(line, -1)
	if len(matches) == 0 {
		return nil
	}

	findings := make([]Finding, 0, len(matches))
	for i, m := range matches {
		end := len(line)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		gene := domain.NormalizeGene(line[m[2]:m[3]])
		segment := line[m[1]:end]

		f := Finding{Line: lineNo, Gene: gene, Text: strings.TrimSpace(line)}
		if p.pharmacodynamic[gene] {
			f.Genotype = findMarker(segment)
			if f.Genotype == "" {
				f.Phenotype = findPhenotype(segment)
			}
		} else {
			f.Phenotype = findPhenotype(segment)
			if d := diplotypePattern.FindString(segment); d != "" {
				f.Genotype = compact(d)
			}
			if f.Phenotype == "" {
				f.Genotype = ""
			}
		}
		findings = append(findings, f)
	}
	return findings
}

func findPhenotype(segment string) string {
	for _, tier := range phenotypeTiers {
		for _, m := range tier.pattern.FindAllStringSubmatchIndex(segment, -1) {
			if tier.abbreviation && clockSuffix.MatchString(segment[:m[2]]) {
				continue
			}
			return strings.Join(strings.Fields(segment[m[2]:m[3]]), " ")
		}
	}
	return ""
}

func findMarker(segment string) string {
	m := markerPattern.FindStringSubmatch(segment)
	if m == nil {
		return ""
	}
	return compact(m[1])
}

func compact(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func sameResult(existing domain.ReportedGene, f Finding) bool {
	if existing.Genotype != "" && f.Genotype != "" && !strings.EqualFold(existing.Genotype, f.Genotype) {
		return false
	}
	if existing.Phenotype == f.Phenotype {
		return true
	}
	a, errA := domain.ParsePhenotype(existing.Phenotype)
	b, errB := domain.ParsePhenotype(f.Phenotype)
	return errA == nil && errB == nil && a == b
}
