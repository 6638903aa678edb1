package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	documentation "github.com/pgx-cds-server/internal/documentation"
	"github.com/pgx-cds-server/internal/domain"
	"github.com/pgx-cds-server/internal/service"
	"github.com/pgx-cds-server/internal/snapshot"
)

type evaluateOptions struct {
	reportFile  string
	genes       []string
	medications []string
	symptoms    []string
	format      string
	export      bool
	label       string
}

func evaluateCmd() *cobra.Command {
	opts := &evaluateOptions{}
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate gene-drug interaction risk for one patient context",
		Example: `  pgx-cds evaluate --gene "CYP2D6=Normal Metabolizer" --med Risperdal --med paroxetine --symptom Tremor
  pgx-cds evaluate --report report.txt --med escitalopram --format markdown`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.reportFile, "report", "r", "", "PGx report text file, or - for stdin")
	flags.StringArrayVarP(&opts.genes, "gene", "g", nil, "gene result as GENE=phenotype or GENE=genotype (repeatable)")
	flags.StringArrayVarP(&opts.medications, "med", "m", nil, "active medication (repeatable)")
	flags.StringArrayVarP(&opts.symptoms, "symptom", "s", nil, "observed symptom (repeatable)")
	flags.StringVarP(&opts.format, "format", "f", "note", "output format: note, markdown, json or pdf")
	flags.BoolVar(&opts.export, "export", false, "save the assessment to the snapshot store")
	flags.StringVar(&opts.label, "label", "", "label stored with an exported snapshot")
	return cmd
}

func runEvaluate(cmd *cobra.Command, opts *evaluateOptions) error {
	ctx := cmd.Context()
	render, err := renderer(opts.format)
	if err != nil {
		return err
	}
	genes, err := parseGeneFlags(opts.genes)
	if err != nil {
		return err
	}

	a, err := loadApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.loadKnowledgeBase(ctx); err != nil {
		return err
	}
	svc := service.NewAssessmentService(a.provider, a.logger)

	if opts.reportFile != "" {
		text, err := readReport(cmd.InOrStdin(), opts.reportFile)
		if err != nil {
			return err
		}
		report, err := svc.ParseReport(ctx, text)
		if err != nil {
			return fmt.Errorf("parsing report: %w", err)
		}
		genes = service.MergeGenes(genes, report.Genes)
	}

	assessment, err := svc.Assess(ctx, domain.PatientContext{
		Genes:       genes,
		Medications: opts.medications,
		Symptoms:    opts.symptoms,
	})
	if err != nil {
		return err
	}

	if opts.export {
		if err := a.openSnapshotStore(); err != nil {
			return err
		}
		if a.store == nil {
			return fmt.Errorf("export requested but snapshot.driver is none")
		}
		if err := a.store.Save(ctx, snapshot.FromAssessment(assessment, opts.label)); err != nil {
			return fmt.Errorf("exporting assessment: %w", err)
		}
		a.logger.WithField("assessment_id", assessment.ID).Info("Assessment exported")
	}

	return render(cmd.OutOrStdout(), assessment)
}

func renderer(format string) (func(io.Writer, *domain.Assessment) error, error) {
	switch strings.ToLower(format) {
	case "note", "":
		return func(w io.Writer, a *domain.Assessment) error {
			_, err := io.WriteString(w, documentation.ProviderNote(a))
			return err
		}, nil
	case "markdown", "md":
		return documentation.WriteMarkdown, nil
	case "json":
		return documentation.WriteJSON, nil
	case "pdf":
		return documentation.WritePDF, nil
	default:
		return nil, fmt.Errorf("unsupported format %q: use note, markdown, json or pdf", format)
	}
}

// parseGeneFlags reads GENE=value pairs. A value that names a metabolizer
// phenotype is taken as the phenotype; anything else is a genotype.
func parseGeneFlags(values []string) ([]domain.ReportedGene, error) {
	genes := make([]domain.ReportedGene, 0, len(values))
	for _, v := range values {
		symbol, result, ok := strings.Cut(v, "=")
		symbol, result = strings.TrimSpace(symbol), strings.TrimSpace(result)
		if !ok || symbol == "" || result == "" {
			return nil, fmt.Errorf("invalid --gene %q: expected GENE=phenotype or GENE=genotype", v)
		}
		gene := domain.ReportedGene{Gene: symbol}
		if _, err := domain.ParsePhenotype(result); err == nil {
			gene.Phenotype = result
		} else {
			gene.Genotype = result
		}
		genes = append(genes, gene)
	}
	return genes, nil
}

func readReport(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading report: %w", err)
	}
	return string(data), nil
}
