package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	documentation "github.com/pgx-cds-server/internal/documentation"
	"github.com/pgx-cds-server/internal/domain"
	"github.com/pgx-cds-server/internal/service"
)

const (
	streamWriteWait = 10 * time.Second
	streamIdle      = 5 * time.Minute
)

// StreamMessage is one frame sent back on the assessment stream.
type StreamMessage struct {
	Assessment *AssessmentResponse `json:"assessment,omitempty"`
	Error      *domain.APIError    `json:"error,omitempty"`
}

// handleAssessmentStream re-evaluates the context each time the client sends
// an AssessmentRequest frame, so a charting view can update risk as
// medications and symptoms are entered. Stream frames are never exported.
func (s *Server) handleAssessmentStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	if s.maxBodyBytes > 0 {
		conn.SetReadLimit(s.maxBodyBytes)
	}

	log := s.logger.WithField("correlation_id", c.GetString("correlation_id"))
	log.Info("Assessment stream opened")
	frames := 0
	defer func() {
		log.WithField("frames", frames).Info("Assessment stream closed")
	}()

	ctx := c.Request.Context()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamIdle))

		var req AssessmentRequest
		if err := conn.ReadJSON(&req); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				log.WithError(err).Debug("Assessment stream read ended")
			}
			return
		}
		frames++

		msg := s.streamAssess(c, req)
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.WithError(err).Warn("Assessment stream write failed")
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Server) streamAssess(c *gin.Context, req AssessmentRequest) StreamMessage {
	ctx := c.Request.Context()
	requestID := c.GetString("correlation_id")

	pc := domain.PatientContext{Genes: req.Genes, Medications: req.Medications, Symptoms: req.Symptoms}
	if strings.TrimSpace(req.ReportText) != "" {
		report, err := s.service.ParseReport(ctx, req.ReportText)
		if err != nil {
			return StreamMessage{Error: domain.NewAPIError(domain.ErrCodeInvalidInput, "report could not be parsed", err.Error(), requestID)}
		}
		pc.Genes = service.MergeGenes(pc.Genes, report.Genes)
	}

	assessment, err := s.service.Assess(ctx, pc)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyContext) {
			return StreamMessage{Error: domain.NewAPIError(domain.ErrCodeInvalidInput, err.Error(), "", requestID)}
		}
		s.logger.WithError(err).WithFields(logrus.Fields{"correlation_id": requestID}).Warn("Stream assessment failed")
		return StreamMessage{Error: domain.NewAPIError(domain.ErrCodeServiceUnavailable, "assessment failed", "", requestID)}
	}

	resp := &AssessmentResponse{Assessment: assessment}
	if req.IncludeDocumentation {
		resp.Documentation = documentation.NewSnapshot(assessment)
		resp.ProviderNote = documentation.ProviderNote(assessment)
	}
	return StreamMessage{Assessment: resp}
}
