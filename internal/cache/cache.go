// Package cache stores finished assessments keyed by their normalized input and
// the knowledge base version that produced them.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pgx-cds-server/internal/domain"
)

// keyPrefix namespaces entries in shared backends.
const keyPrefix = "pgx-cds:assessment:"

// ResultCache is implemented by MemoryCache and RedisCache.
type ResultCache interface {
	Get(ctx context.Context, key string) (*domain.Assessment, bool, error)
	Set(ctx context.Context, key string, assessment *domain.Assessment) error
	Close() error
}

type normalizedGene struct {
	Gene      string `json:"g"`
	Phenotype string `json:"p,omitempty"`
	Genotype  string `json:"t,omitempty"`
}

type normalizedContext struct {
	Version     string           `json:"v"`
	Genes       []normalizedGene `json:"genes"`
	Medications []string         `json:"meds"`
	Symptoms    []string         `json:"symptoms"`
}

// Key derives the cache key for a patient context under a knowledge base
// version. Case and whitespace differences do not change the key; order does,
// since it determines result order.
func Key(pc domain.PatientContext, kbVersion string) string {
	n := normalizedContext{Version: kbVersion}
	for _, g := range pc.Genes {
		n.Genes = append(n.Genes, normalizedGene{
			Gene:      domain.NormalizeGene(g.Gene),
			Phenotype: normalizeText(g.Phenotype),
			Genotype:  strings.ToLower(strings.Join(strings.Fields(g.Genotype), "")),
		})
	}
	for _, m := range pc.Medications {
		n.Medications = append(n.Medications, normalizeText(m))
	}
	for _, s := range pc.ActiveSymptoms() {
		n.Symptoms = append(n.Symptoms, domain.NormalizeSymptom(s))
	}

	// Marshalling plain strings and slices cannot fail.
	payload, _ := json.Marshal(n)
	sum := sha256.Sum256(payload)
	return keyPrefix + hex.EncodeToString(sum[:])
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func encode(a *domain.Assessment) ([]byte, error) {
	return json.Marshal(a)
}

func decode(data []byte) (*domain.Assessment, error) {
	var a domain.Assessment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
