package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	documentation "github.com/pgx-cds-server/internal/documentation"
	"github.com/pgx-cds-server/internal/domain"
	"github.com/pgx-cds-server/internal/knowledgebase"
	"github.com/pgx-cds-server/internal/logging"
	"github.com/pgx-cds-server/internal/middleware"
	"github.com/pgx-cds-server/internal/service"
	"github.com/pgx-cds-server/internal/snapshot"
)

// AssessmentRequest is the body of POST /api/v1/assessments. Genes found in
// ReportText are added after the explicit genes, skipping any gene already given.
type AssessmentRequest struct {
	Genes                []domain.ReportedGene `json:"genes"`
	Medications          []string              `json:"medications"`
	Symptoms             []string              `json:"symptoms"`
	ReportText           string                `json:"report_text,omitempty"`
	Export               bool                  `json:"export"`
	Label                string                `json:"label,omitempty"`
	IncludeDocumentation bool                  `json:"include_documentation"`
}

// AssessmentResponse wraps an assessment with optional documentation.
type AssessmentResponse struct {
	*domain.Assessment
	Exported      bool                    `json:"exported"`
	Documentation *documentation.Snapshot `json:"documentation,omitempty"`
	ProviderNote  string                  `json:"provider_note,omitempty"`
}

// PhenoconversionRequest is the body of POST /api/v1/phenoconversion.
type PhenoconversionRequest struct {
	Gene        string   `json:"gene" binding:"required"`
	Phenotype   string   `json:"phenotype"`
	Genotype    string   `json:"genotype"`
	Medications []string `json:"medications"`
}

// ParseReportRequest is the JSON body of POST /api/v1/reports/parse.
type ParseReportRequest struct {
	Text string `json:"text" binding:"required"`
}

// SnapshotSummary is one row of the export list.
type SnapshotSummary struct {
	ID                   string    `json:"id"`
	Label                string    `json:"label,omitempty"`
	KnowledgeBaseVersion string    `json:"knowledge_base_version"`
	Medications          []string  `json:"medications"`
	HighRiskCount        int       `json:"high_risk_count"`
	PolypharmacyCount    int       `json:"polypharmacy_count"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	})
}

func (s *Server) handleReady(c *gin.Context) {
	checks := gin.H{}
	ready := true

	if kb, err := s.kb.Current(); err != nil {
		checks["knowledge_base"] = err.Error()
		ready = false
	} else {
		checks["knowledge_base"] = kb.Version()
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			checks["snapshot_store"] = err.Error()
			ready = false
		} else {
			checks["snapshot_store"] = "ok"
		}
	}
	if s.database != nil {
		if err := s.database.Health(ctx); err != nil {
			checks["database"] = err.Error()
			ready = false
		} else {
			checks["database"] = "ok"
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

func (s *Server) handleAssess(c *gin.Context) {
	var req AssessmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.bindError(c, err)
		return
	}
	if req.Export && s.store == nil {
		s.respondError(c, http.StatusServiceUnavailable, domain.ErrCodeServiceUnavailable, "snapshot export is disabled", "")
		return
	}

	pc := domain.PatientContext{
		Genes:       req.Genes,
		Medications: req.Medications,
		Symptoms:    req.Symptoms,
	}
	if strings.TrimSpace(req.ReportText) != "" {
		report, err := s.service.ParseReport(c.Request.Context(), req.ReportText)
		if err != nil {
			s.handleError(c, err)
			return
		}
		pc.Genes = service.MergeGenes(pc.Genes, report.Genes)
	}

	assessment, err := s.service.Assess(c.Request.Context(), pc)
	if err != nil {
		s.handleError(c, err)
		return
	}

	resp := AssessmentResponse{Assessment: assessment}
	if req.Export {
		if err := s.store.Save(c.Request.Context(), snapshot.FromAssessment(assessment, req.Label)); err != nil {
			s.handleError(c, err)
			return
		}
		resp.Exported = true
	}
	if req.IncludeDocumentation {
		resp.Documentation = documentation.NewSnapshot(assessment)
		resp.ProviderNote = documentation.ProviderNote(assessment)
	}

	status := http.StatusOK
	if resp.Exported {
		status = http.StatusCreated
	}
	c.JSON(status, resp)
}

func (s *Server) handleListAssessments(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	limit := queryInt(c, "limit", snapshot.DefaultListLimit)
	offset := queryInt(c, "offset", 0)

	snapshots, err := s.store.List(c.Request.Context(), limit, offset)
	if err != nil {
		s.handleError(c, err)
		return
	}
	total, err := s.store.Count(c.Request.Context())
	if err != nil {
		s.handleError(c, err)
		return
	}

	items := make([]SnapshotSummary, 0, len(snapshots))
	for _, snap := range snapshots {
		items = append(items, SnapshotSummary{
			ID:                   snap.ID,
			Label:                snap.Label,
			KnowledgeBaseVersion: snap.KnowledgeBaseVersion,
			Medications:          snap.Medications,
			HighRiskCount:        snap.HighRiskCount,
			PolypharmacyCount:    snap.PolypharmacyCount,
			CreatedAt:            snap.CreatedAt,
			UpdatedAt:            snap.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"assessments": items, "total": total, "limit": limit, "offset": offset})
}

func (s *Server) handleGetAssessment(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	snap, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleAssessmentNote renders an exported assessment as text (default),
// markdown, the documentation JSON snapshot or a PDF summary report.
func (s *Server) handleAssessmentNote(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	snap, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}

	switch format := c.DefaultQuery("format", "text"); format {
	case "text":
		c.String(http.StatusOK, documentation.ProviderNote(snap.Assessment))
	case "markdown":
		c.Header("Content-Type", "text/markdown; charset=utf-8")
		c.Status(http.StatusOK)
		if err := documentation.WriteMarkdown(c.Writer, snap.Assessment); err != nil {
			_ = c.Error(err)
		}
	case "json":
		c.JSON(http.StatusOK, documentation.NewSnapshot(snap.Assessment))
	case "pdf":
		var buf bytes.Buffer
		if err := documentation.WritePDF(&buf, snap.Assessment); err != nil {
			s.handleError(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="assessment-%s.pdf"`, snap.ID))
		c.Data(http.StatusOK, "application/pdf", buf.Bytes())
	default:
		s.respondError(c, http.StatusBadRequest, domain.ErrCodeInvalidInput, "unsupported format", format)
	}
}

func (s *Server) handleDeleteAssessment(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	if err := s.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleParseReport accepts {"text": "..."} or a text/plain body.
func (s *Server) handleParseReport(c *gin.Context) {
	var text string
	if strings.HasPrefix(c.ContentType(), "text/plain") {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			s.bindError(c, err)
			return
		}
		text = string(body)
	} else {
		var req ParseReportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.bindError(c, err)
			return
		}
		text = req.Text
	}

	report, err := s.service.ParseReport(c.Request.Context(), text)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handlePhenoconversion(c *gin.Context) {
	var req PhenoconversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.bindError(c, err)
		return
	}

	state, issues, err := s.service.AdjustPhenotype(c.Request.Context(), req.Gene, req.Phenotype, req.Genotype, req.Medications)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"gene":   state,
		"note":   state.ConversionNote(),
		"issues": issues,
	})
}

func (s *Server) handleSuggestMedications(c *gin.Context) {
	limit := queryInt(c, "limit", 10)
	q := strings.TrimSpace(c.Query("q"))

	if q == "" {
		kb, err := s.service.KnowledgeBase()
		if err != nil {
			s.handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"medications": kb.Medications()})
		return
	}

	suggestions, err := s.service.SuggestMedications(q, limit)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}

func (s *Server) handleGetMedication(c *gin.Context) {
	kb, err := s.service.KnowledgeBase()
	if err != nil {
		s.handleError(c, err)
		return
	}
	med, err := kb.ResolveMedication(c.Param("name"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"medication":        med,
		"display_name":      med.DisplayName(),
		"interaction_genes": kb.RuleGenes(med.Name),
	})
}

func (s *Server) handleKnowledgeBase(c *gin.Context) {
	kb, err := s.kb.Current()
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.knowledgeBaseStatus(kb))
}

func (s *Server) handleRefreshKnowledgeBase(c *gin.Context) {
	kb, err := s.kb.Refresh(c.Request.Context())
	if err != nil {
		s.respondError(c, http.StatusBadGateway, domain.ErrCodeKnowledgeBase, "knowledge base refresh failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, s.knowledgeBaseStatus(kb))
}

func (s *Server) knowledgeBaseStatus(kb *knowledgebase.KnowledgeBase) gin.H {
	return gin.H{
		"stats":     kb.Stats(),
		"source":    s.kb.SourceName(),
		"loaded_at": s.kb.LoadedAt(),
		"genes":     kb.Genes(),
	}
}

func (s *Server) requireStore(c *gin.Context) bool {
	if s.store == nil {
		s.respondError(c, http.StatusServiceUnavailable, domain.ErrCodeServiceUnavailable, "snapshot export is disabled", "")
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func (s *Server) bindError(c *gin.Context, err error) {
	if middleware.IsBodyTooLarge(err) {
		s.respondError(c, http.StatusRequestEntityTooLarge, domain.ErrCodeInvalidInput, "request body too large", "")
		return
	}
	s.respondError(c, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body", err.Error())
}

// handleError maps service and storage errors onto API errors.
func (s *Server) handleError(c *gin.Context, err error) {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		s.respondError(c, http.StatusBadRequest, domain.ErrCodeValidation, validationErr.Message, validationErr.Field)
	case errors.Is(err, domain.ErrEmptyContext):
		s.respondError(c, http.StatusBadRequest, domain.ErrCodeInvalidInput, err.Error(), "")
	case errors.Is(err, domain.ErrUnknownMedication):
		s.respondError(c, http.StatusNotFound, domain.ErrCodeUnknownMedication, err.Error(), "")
	case errors.Is(err, domain.ErrNotFound):
		s.respondError(c, http.StatusNotFound, domain.ErrCodeNotFound, "assessment not found", c.Param("id"))
	case errors.Is(err, knowledgebase.ErrNotLoaded):
		s.respondError(c, http.StatusServiceUnavailable, domain.ErrCodeKnowledgeBase, err.Error(), "")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		s.respondError(c, http.StatusServiceUnavailable, domain.ErrCodeServiceUnavailable, "request cancelled", "")
	default:
		logging.FromContext(c.Request.Context(), s.logger).WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		s.respondError(c, http.StatusInternalServerError, domain.ErrCodeInternalServer, "internal server error", "")
	}
}

func (s *Server) respondError(c *gin.Context, status int, code, message, details string) {
	c.AbortWithStatusJSON(status, domain.NewAPIError(code, message, details, c.GetString("correlation_id")))
}
