// Package knowledgebase provides the immutable gene-drug interaction lookup used
// for phenoconversion and risk evaluation. A KnowledgeBase is built once from a
// versioned Dataset and never mutated; refreshing means building a new one.
package knowledgebase

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed data/behavioral_health.yaml
var defaultDataset []byte

// Dataset is the serialized form of a knowledge base version.
type Dataset struct {
	Version     string             `yaml:"version"`
	Description string             `yaml:"description,omitempty"`
	Genes       []GeneRecord       `yaml:"genes"`
	Medications []MedicationRecord `yaml:"medications"`
	Rules       []RuleRecord       `yaml:"rules"`
}

// GeneRecord declares a gene the dataset has rules or modifiers for.
type GeneRecord struct {
	Symbol      string `yaml:"symbol"`
	Kind        string `yaml:"kind"`
	Description string `yaml:"description,omitempty"`
}

// MedicationRecord declares a canonical medication and every name it may be entered as.
type MedicationRecord struct {
	Name          string           `yaml:"name"`
	Brands        []string         `yaml:"brands,omitempty"`
	Aliases       []string         `yaml:"aliases,omitempty"`
	Class         string           `yaml:"class,omitempty"`
	PriorRisk     float64          `yaml:"prior_risk,omitempty"`
	MetabolizedBy []string         `yaml:"metabolized_by,omitempty"`
	Modifiers     []ModifierRecord `yaml:"modifiers,omitempty"`
}

// ModifierRecord declares an inhibitor or inducer effect on a gene.
type ModifierRecord struct {
	Gene     string `yaml:"gene"`
	Effect   string `yaml:"effect"`
	Strength string `yaml:"strength"`
}

// RuleRecord is one gene-drug rule. Exactly one of Phenotype or Genotype is set.
type RuleRecord struct {
	Gene             string   `yaml:"gene"`
	Medication       string   `yaml:"medication"`
	Phenotype        string   `yaml:"phenotype,omitempty"`
	Genotype         string   `yaml:"genotype,omitempty"`
	Category         string   `yaml:"category"`
	RiskFactor       float64  `yaml:"risk_factor,omitempty"`
	Source           string   `yaml:"source,omitempty"`
	AdverseEffects   []string `yaml:"adverse_effects,omitempty"`
	FlowsheetPrompts []string `yaml:"flowsheet_prompts,omitempty"`
	Rationale        string   `yaml:"rationale"`
}

// Source produces datasets for a Provider.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (*Dataset, error)
}

// ParseDataset decodes a YAML (or JSON) dataset.
func ParseDataset(r io.Reader) (*Dataset, error) {
	var ds Dataset
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&ds); err != nil {
		return nil, fmt.Errorf("decoding dataset: %w", err)
	}
	return &ds, nil
}

// Encode writes the dataset as YAML.
func (ds *Dataset) Encode(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(ds); err != nil {
		return fmt.Errorf("encoding dataset: %w", err)
	}
	return encoder.Close()
}

// DefaultDataset returns a fresh copy of the embedded behavioral health dataset.
func DefaultDataset() (*Dataset, error) {
	return ParseDataset(bytes.NewReader(defaultDataset))
}

// EmbeddedSource serves the dataset compiled into the binary.
type EmbeddedSource struct{}

func (EmbeddedSource) Name() string { return "embedded" }

func (EmbeddedSource) Fetch(ctx context.Context) (*Dataset, error) {
	return DefaultDataset()
}

// FileSource reads a dataset from disk on every fetch.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return "file:" + s.Path }

func (s FileSource) Fetch(ctx context.Context) (*Dataset, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset %s: %w", s.Path, err)
	}
	defer f.Close()
	return ParseDataset(f)
}
