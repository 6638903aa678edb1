package domain

// KnowledgeBase is the read-only gene-drug lookup used by the evaluators.
// Implementations are immutable once built.
type KnowledgeBase interface {
	Version() string
	// ResolveMedication maps a brand or generic name to its canonical medication.
	ResolveMedication(name string) (*Medication, error)
	Gene(symbol string) (GeneInfo, bool)
	// Modifiers enumerates every gene effect of a canonical medication.
	Modifiers(medication string) []Modifier
	// Rules returns every rule for the exact (gene, medication) pair.
	Rules(gene, medication string) []InteractionRule
	Rule(gene, medication string, phenotype Phenotype) (*InteractionRule, bool)
	GenotypeRule(gene, medication, genotype string) (*InteractionRule, bool)
	// Pathways returns the genes a medication is metabolized through.
	Pathways(medication string) []string
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetServerConfig() *ServerConfig
	GetDatabaseConfig() *DatabaseConfig
	GetKnowledgeBaseConfig() *KnowledgeBaseConfig
	Validate() error
}
