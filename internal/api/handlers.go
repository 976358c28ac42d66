package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pharmacy-cdss-server/internal/assessment"
	"github.com/pharmacy-cdss-server/internal/domain"
	"github.com/pharmacy-cdss-server/internal/middleware"
	"github.com/pharmacy-cdss-server/internal/repository"
	"github.com/pharmacy-cdss-server/internal/service"
)

// EvaluateRequest carries everything needed to evaluate a patient without
// touching the data sources.
type EvaluateRequest struct {
	Patient     *domain.PatientRecord     `json:"patient" binding:"required"`
	Medications []domain.MedicationRecord `json:"medications"`
	Rules       []domain.RawRule          `json:"rules"`
}

// AnalysisResponse is an analysis result plus the view the caller asked for.
type AnalysisResponse struct {
	*domain.AnalysisResult
	Filter  domain.SeverityFilter `json:"filter"`
	Visible []domain.Alert        `json:"visible_alerts"`
	Summary service.AlertSummary  `json:"summary"`
}

// AssessmentRequest starts or updates an assessment from an alert seed.
type AssessmentRequest struct {
	PatientID string                `json:"patient_id" binding:"required"`
	Seed      domain.AssessmentSeed `json:"seed"`
	Plan      string                `json:"plan"`
	Notes     string                `json:"notes"`
	Status    assessment.Status     `json:"status"`
}

func (s *Server) handleTaxonomy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"categories": s.analysis.Taxonomy().Categories(),
		"fallback":   service.FallbackCategory,
	})
}

func (s *Server) handleEvaluate(c *gin.Context) {
	filter, ok := s.severityFilter(c)
	if !ok {
		return
	}
	_, result, ok := s.evaluateBody(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newAnalysisResponse(result, filter))
}

func (s *Server) handleEvaluateReport(c *gin.Context) {
	req, result, ok := s.evaluateBody(c)
	if !ok {
		return
	}
	s.sendReport(c, service.ReportFromResult(req.Patient, result))
}

func (s *Server) handlePatientAnalysis(c *gin.Context) {
	filter, ok := s.severityFilter(c)
	if !ok {
		return
	}
	result, _, err := s.analysis.Analyze(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAnalysisResponse(result, filter))
}

func (s *Server) handlePatientReport(c *gin.Context) {
	result, record, err := s.analysis.Analyze(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	s.sendReport(c, service.ReportFromResult(record, result))
}

func (s *Server) handleSaveAssessment(c *gin.Context) {
	if s.assessments == nil {
		s.abort(c, http.StatusServiceUnavailable, domain.ErrCodeDatabaseError, "Assessment storage is not configured", "")
		return
	}

	actor := assessment.Actor{
		UserID: c.GetHeader("X-User-ID"),
		Role:   c.GetHeader("X-User-Role"),
	}
	if err := actor.Validate(); err != nil {
		s.abort(c, http.StatusUnauthorized, domain.ErrCodeAuthentication, "X-User-ID header is required", "")
		return
	}

	var req AssessmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, domain.ErrCodeInvalidInput, "Invalid request body", err.Error())
		return
	}

	a := assessment.NewFromSeed(req.PatientID, req.Seed)
	a.Plan = req.Plan
	a.Notes = req.Notes
	if req.Status != "" {
		a.Status = req.Status
	}

	if err := s.assessments.Save(c.Request.Context(), actor, a); err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) handleListAssessments(c *gin.Context) {
	if s.assessments == nil {
		s.abort(c, http.StatusServiceUnavailable, domain.ErrCodeDatabaseError, "Assessment storage is not configured", "")
		return
	}
	list, err := s.assessments.ListByPatient(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"patient_id":  c.Param("id"),
		"count":       len(list),
		"assessments": list,
	})
}

func (s *Server) evaluateBody(c *gin.Context) (*EvaluateRequest, *domain.AnalysisResult, bool) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, domain.ErrCodeInvalidInput, "Invalid request body", err.Error())
		return nil, nil, false
	}
	result, err := s.analysis.Evaluate(c.Request.Context(), req.Patient, domain.ActiveMedications(req.Medications), req.Rules)
	if err != nil {
		s.handleError(c, err)
		return nil, nil, false
	}
	return &req, result, true
}

func (s *Server) severityFilter(c *gin.Context) (domain.SeverityFilter, bool) {
	filter, err := domain.ParseSeverityFilter(c.Query("severity"))
	if err != nil {
		s.abort(c, http.StatusBadRequest, domain.ErrCodeValidation, "Invalid severity filter", err.Error())
		return "", false
	}
	return filter, true
}

func (s *Server) sendReport(c *gin.Context, report *service.Report) {
	data, err := report.Marshal()
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename()))
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

func newAnalysisResponse(result *domain.AnalysisResult, filter domain.SeverityFilter) AnalysisResponse {
	return AnalysisResponse{
		AnalysisResult: result,
		Filter:         filter,
		Visible:        service.FilterBySeverity(result.Alerts, filter),
		Summary:        service.Summarize(result.Alerts),
	}
}

// handleError maps domain errors onto HTTP status codes and error envelopes.
func (s *Server) handleError(c *gin.Context, err error) {
	var (
		derivErr *domain.DerivationError
		validErr *domain.ValidationError
	)
	switch {
	case errors.As(err, &derivErr):
		s.abort(c, http.StatusUnprocessableEntity, domain.ErrCodeDerivation, "Cannot derive patient facts", derivErr.Error())
	case errors.As(err, &validErr):
		s.abort(c, http.StatusBadRequest, domain.ErrCodeValidation, validErr.Message, validErr.Field)
	case errors.Is(err, domain.ErrNotFound):
		s.abort(c, http.StatusNotFound, domain.ErrCodeNotFound, "Resource not found", err.Error())
	case errors.Is(err, domain.ErrMissingActor):
		s.abort(c, http.StatusUnauthorized, domain.ErrCodeAuthentication, "Acting user is required", "")
	case errors.Is(err, repository.ErrSourceUnavailable), errors.Is(err, service.ErrNoDataSources):
		s.abort(c, http.StatusServiceUnavailable, domain.ErrCodeDatabaseError, "Patient data is temporarily unavailable", "")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		s.abort(c, http.StatusRequestTimeout, domain.ErrCodeInternalServer, "Request timeout", "")
	default:
		s.logger.WithFields(logrus.Fields{
			"correlation_id": c.GetString(middleware.CorrelationIDKey),
			"route":          c.FullPath(),
			"error":          err,
		}).Error("Request failed")
		s.abort(c, http.StatusInternalServerError, domain.ErrCodeInternalServer, "Internal server error", "")
	}
}

func (s *Server) abort(c *gin.Context, status int, code, message, details string) {
	c.AbortWithStatusJSON(status, domain.NewCDSSError(code, message, details, c.GetString(middleware.CorrelationIDKey)))
}
