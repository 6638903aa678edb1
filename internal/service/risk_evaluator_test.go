package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgx-cds-server/internal/domain"
)

func evaluate(t *testing.T, genes []domain.ReportedGene, medications []string, symptoms ...string) ([]domain.RiskResult, []domain.GeneState) {
	t.Helper()
	kb := testKnowledgeBase(t)
	meds := resolveAll(t, kb, medications...)
	states, _ := NewPhenoconversionAdjuster(nil).AdjustAll(kb, genes, meds)
	pc := domain.PatientContext{Symptoms: symptoms}
	return NewRiskEvaluator(nil).Evaluate(kb, states, meds, pc.ActiveSymptoms()), states
}

func TestEvaluateUsesEffectivePhenotype(t *testing.T) {
	results, _ := evaluate(t,
		[]domain.ReportedGene{{Gene: "CYP2D6", Phenotype: "Normal Metabolizer"}},
		[]string{"risperidone", "paroxetine"})

	require.Len(t, results, 2)
	risperidone := results[0]
	assert.Equal(t, "risperidone", risperidone.Medication)
	assert.Equal(t, domain.HIGH_RISK, risperidone.Category)
	assert.Equal(t, "CYP2D6", risperidone.Gene)
	assert.Equal(t, domain.POOR_METABOLIZER, risperidone.EffectivePhenotype)
	assert.False(t, risperidone.Escalated)
	assert.Equal(t,
		"High: CYP2D6 Poor Metabolizer with risperidone (Risperdal). Reported Normal Metabolizer, converted by paroxetine strong inhibitor.",
		risperidone.Explanation)
	assert.Equal(t, []string{"Monitor for tremor", "Assess for EPS", "Check for sedation"}, risperidone.FlowsheetPrompts)
	assert.InDelta(t, 0.3, risperidone.EstimatedRisk, 1e-9)

	paroxetine := results[1]
	assert.Equal(t, domain.MODERATE_RISK, paroxetine.Category)
	assert.Equal(t, domain.POOR_METABOLIZER, paroxetine.EffectivePhenotype)
}

func TestEvaluateSymptomEscalation(t *testing.T) {
	genes := []domain.ReportedGene{{Gene: "CYP2D6", Phenotype: "PM"}}

	tests := []struct {
		name          string
		medication    string
		genes         []domain.ReportedGene
		symptoms      []string
		wantCategory  domain.RiskCategory
		wantEscalated bool
		wantMatched   []string
	}{
		{
			name:         "no symptoms",
			medication:   "risperidone",
			genes:        genes,
			wantCategory: domain.HIGH_RISK,
		},
		{
			name:          "matching symptom escalates one level",
			medication:    "risperidone",
			genes:         genes,
			symptoms:      []string{"Tremor"},
			wantCategory:  domain.CONTRAINDICATED,
			wantEscalated: true,
			wantMatched:   []string{"Tremor"},
		},
		{
			name:         "unrelated symptom",
			medication:   "risperidone",
			genes:        genes,
			symptoms:     []string{"headache"},
			wantCategory: domain.HIGH_RISK,
		},
		{
			name:         "none placeholder is ignored",
			medication:   "risperidone",
			genes:        genes,
			symptoms:     []string{"None"},
			wantCategory: domain.HIGH_RISK,
		},
		{
			name:          "moderate escalates to high",
			medication:    "paroxetine",
			genes:         genes,
			symptoms:      []string{"sedation", "Agitation"},
			wantCategory:  domain.HIGH_RISK,
			wantEscalated: true,
			wantMatched:   []string{"sedation", "Agitation"},
		},
		{
			name:         "contraindicated cannot escalate further",
			medication:   "codeine",
			genes:        []domain.ReportedGene{{Gene: "CYP2D6", Phenotype: "UM"}},
			symptoms:     []string{"Respiratory depression"},
			wantCategory: domain.CONTRAINDICATED,
			wantMatched:  []string{"Respiratory depression"},
		},
		{
			name:         "no known interaction never escalates",
			medication:   "lorazepam",
			genes:        genes,
			symptoms:     []string{"sedation"},
			wantCategory: domain.NO_KNOWN_INTERACTION,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, _ := evaluate(t, tt.genes, []string{tt.medication}, tt.symptoms...)
			require.Len(t, results, 1)
			r := results[0]
			assert.Equal(t, tt.wantCategory, r.Category)
			assert.Equal(t, tt.wantEscalated, r.Escalated)
			assert.Equal(t, tt.wantMatched, r.MatchedSymptoms)
		})
	}
}

func TestEvaluateExplanationMentionsSymptoms(t *testing.T) {
	results, _ := evaluate(t,
		[]domain.ReportedGene{{Gene: "CYP2D6", Phenotype: "UM"}},
		[]string{"Tylenol #3"}, "respiratory depression")
	require.Len(t, results, 1)
	assert.Equal(t,
		"Contraindicated: CYP2D6 Ultrarapid Metabolizer with codeine (Tylenol with Codeine). Reported respiratory depression matches known adverse effects.",
		results[0].Explanation)
	assert.Equal(t, 1.0, results[0].EstimatedRisk)

	results, _ = evaluate(t,
		[]domain.ReportedGene{{Gene: "CYP2D6", Phenotype: "PM"}},
		[]string{"risperidone"}, "tremor", "sedation")
	assert.Equal(t,
		"Contraindicated: CYP2D6 Poor Metabolizer with risperidone (Risperdal). Escalated from High: reported tremor, sedation.",
		results[0].Explanation)
	assert.InDelta(t, 0.6, results[0].EstimatedRisk, 1e-9)
}

func TestEvaluateSelectsMostSevereRule(t *testing.T) {
	results, _ := evaluate(t, []domain.ReportedGene{
		{Gene: "SLC6A4", Genotype: "S/S"},
		{Gene: "HTR2A", Genotype: "A/A"},
		{Gene: "CYP2C19", Phenotype: "Poor Metabolizer"},
	}, []string{"sertraline"})

	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, domain.MODERATE_RISK, r.Category)
	assert.Equal(t, "CYP2C19", r.Gene)
	require.Len(t, r.Contributions, 3)
	assert.Equal(t, "CYP2C19", r.Contributions[0].Gene)
	assert.Equal(t, "HTR2A", r.Contributions[1].Gene)
	assert.Equal(t, domain.LOW_RISK, r.Contributions[1].Category)
	assert.Equal(t, "SLC6A4", r.Contributions[2].Gene)
	assert.Contains(t, r.FlowsheetPrompts, "Assess for SSRI intolerance")
	assert.Contains(t, r.FlowsheetPrompts, "Monitor for GI side effects")
}

func TestEvaluateTieGoesToFirstGene(t *testing.T) {
	results, _ := evaluate(t, []domain.ReportedGene{
		{Gene: "SLC6A4", Genotype: "S / S"},
		{Gene: "HTR2A", Genotype: "A/A"},
	}, []string{"Zoloft"})

	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, domain.LOW_RISK, r.Category)
	assert.Equal(t, "HTR2A", r.Gene)
	assert.Equal(t, "A/A", r.Genotype)
	assert.Empty(t, r.EffectivePhenotype)
	assert.Equal(t, "Low: HTR2A A/A with sertraline (Zoloft).", r.Explanation)
}

func TestEvaluateNoKnownInteraction(t *testing.T) {
	results, _ := evaluate(t,
		[]domain.ReportedGene{{Gene: "CYP2D6", Phenotype: "Normal Metabolizer"}},
		[]string{"risperidone", "venlafaxine", "lorazepam"})

	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, domain.NO_KNOWN_INTERACTION, r.Category, r.Medication)
		assert.Empty(t, r.Contributions)
		assert.Zero(t, r.EstimatedRisk)
	}

	assert.Equal(t, "CYP2D6", results[0].Gene)
	assert.Equal(t, domain.NORMAL_METABOLIZER, results[0].EffectivePhenotype)
	assert.Equal(t,
		"No known interaction: no rule for CYP2D6 Normal Metabolizer with risperidone (Risperdal).",
		results[0].Explanation)
	assert.Equal(t, "CYP2D6", results[1].Gene)

	assert.Empty(t, results[2].Gene)
	assert.Equal(t,
		"No known interaction: no pharmacogenomic rule applies to lorazepam (Ativan) for the reported genes.",
		results[2].Explanation)
}

func TestEvaluateSkipsUnusableGenes(t *testing.T) {
	results, states := evaluate(t, []domain.ReportedGene{
		{Gene: "CYP2D6", Phenotype: "Sluggish"},
		{Gene: "CYP2C19", Phenotype: "Poor Metabolizer"},
	}, []string{"citalopram", "risperidone"})

	require.Len(t, states, 2)
	require.Len(t, results, 2)
	assert.Equal(t, domain.HIGH_RISK, results[0].Category)
	assert.Equal(t, "CYP2C19", results[0].Gene)
	assert.Equal(t, domain.NO_KNOWN_INTERACTION, results[1].Category)
	assert.Empty(t, results[1].Gene)
}

func TestPolypharmacy(t *testing.T) {
	kb := testKnowledgeBase(t)
	evaluator := NewRiskEvaluator(nil)
	adjuster := NewPhenoconversionAdjuster(nil)

	t.Run("shared CYP2D6 pathway", func(t *testing.T) {
		meds := resolveAll(t, kb, "Effexor XR", "Risperdal")
		states, _ := adjuster.AdjustAll(kb, []domain.ReportedGene{{Gene: "CYP2D6", Phenotype: "NM"}}, meds)

		warnings := evaluator.Polypharmacy(kb, states, meds)
		require.Len(t, warnings, 1)
		w := warnings[0]
		assert.Equal(t, "CYP2D6", w.Gene)
		assert.Equal(t, []string{"risperidone", "venlafaxine"}, w.Medications)
		assert.Equal(t, domain.NORMAL_METABOLIZER, w.EffectivePhenotype)
		assert.Empty(t, w.Modifiers)
		assert.Equal(t,
			"Polypharmacy alert: risperidone (Risperdal), venlafaxine (Effexor) all metabolized by CYP2D6. Increased risk of drug-drug interaction and toxicity.",
			w.Message)
	})

	t.Run("warnings ordered by gene with modifiers", func(t *testing.T) {
		meds := resolveAll(t, kb, "paroxetine", "risperidone", "quetiapine", "alprazolam", "ketoconazole")
		warnings := evaluator.Polypharmacy(kb, nil, meds)

		require.Len(t, warnings, 2)
		assert.Equal(t, "CYP2D6", warnings[0].Gene)
		assert.Equal(t, []string{"paroxetine", "risperidone"}, warnings[0].Medications)
		assert.Equal(t, []string{"paroxetine"}, warnings[0].Modifiers)
		assert.Empty(t, warnings[0].EffectivePhenotype)

		assert.Equal(t, "CYP3A4", warnings[1].Gene)
		assert.Equal(t, []string{"alprazolam", "ketoconazole", "quetiapine"}, warnings[1].Medications)
		assert.Equal(t, []string{"ketoconazole"}, warnings[1].Modifiers)
	})

	t.Run("single medication per pathway", func(t *testing.T) {
		meds := resolveAll(t, kb, "risperidone", "lorazepam", "olanzapine")
		assert.Empty(t, evaluator.Polypharmacy(kb, nil, meds))
	})
}

func TestEstimateRisk(t *testing.T) {
	assert.Zero(t, estimateRisk(0, 3, true))
	assert.InDelta(t, 0.1, estimateRisk(0.1, 0, false), 1e-9)
	assert.InDelta(t, 0.3, estimateRisk(0.1, 3, false), 1e-9)
	assert.Equal(t, 1.0, estimateRisk(0.4, 2, true))
	assert.InDelta(t, 0.056, estimateRisk(0.07, 0.8, false), 1e-9)
}
