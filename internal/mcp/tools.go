package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/pharmacy-cdss-server/internal/assessment"
	"github.com/pharmacy-cdss-server/internal/domain"
	"github.com/pharmacy-cdss-server/internal/service"
)

// errInvalidParams marks argument problems the caller can fix.
var errInvalidParams = errors.New("invalid parameters")

type toolFunc func(s *Server, ctx context.Context, args json.RawMessage) (*toolOutput, error)

type toolOutput struct {
	summary string
	result  any
}

type toolDefinition struct {
	name        string
	description string
	properties  map[string]*jsonschema.Schema
	required    []string
	run         toolFunc
}

func (d toolDefinition) schema() *jsonschema.Schema {
	props := d.properties
	if props == nil {
		props = map[string]*jsonschema.Schema{}
	}
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   d.required,
	}
}

func stringProp(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

func objectProp(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Description: desc}
}

func arrayProp(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Description: desc, Items: &jsonschema.Schema{Type: "object"}}
}

var severityProp = &jsonschema.Schema{
	Type:        "string",
	Description: "Restrict visible alerts to one severity",
	Enum:        []any{"all", "critical", "high", "moderate", "low"},
}

var toolDefinitions = []toolDefinition{
	{
		name:        "evaluate_patient",
		description: "Evaluate clinical rules for a patient and return classified alerts. Pass patient_id to load from the configured sources, or an inline patient with medications and rules.",
		properties: map[string]*jsonschema.Schema{
			"patient_id":  stringProp("Patient to load from the configured data sources"),
			"patient":     objectProp("Inline patient record"),
			"medications": arrayProp("Medication history for the inline patient; inactive entries are ignored"),
			"rules":       arrayProp("Rule catalog; defaults to the server's loaded rules"),
			"severity":    severityProp,
		},
		run: (*Server).evaluatePatient,
	},
	{
		name:        "classify_rule_type",
		description: "Map a rule type to its DRN category, cause and DTP type.",
		properties: map[string]*jsonschema.Schema{
			"rule_type": stringProp("Rule type, e.g. drug_drug_interaction"),
			"rule_name": stringProp("Optional rule name used as the cause when unmapped"),
		},
		required: []string{"rule_type"},
		run:      (*Server).classifyRuleType,
	},
	{
		name:        "list_drn_categories",
		description: "List the nine DRN categories with their causes.",
		run:         (*Server).listCategories,
	},
	{
		name:        "build_report",
		description: "Evaluate a patient and produce the exportable JSON report, optionally writing it to the export directory.",
		properties: map[string]*jsonschema.Schema{
			"patient_id":  stringProp("Patient to load from the configured data sources"),
			"patient":     objectProp("Inline patient record"),
			"medications": arrayProp("Medication history for the inline patient"),
			"rules":       arrayProp("Rule catalog; defaults to the server's loaded rules"),
			"save":        {Type: "boolean", Description: "Write the report to the export directory"},
		},
		run: (*Server).buildReport,
	},
	{
		name:        "seed_assessment",
		description: "Evaluate a patient and start an assessment from one fired alert. Saves it when user_id is given and storage is configured.",
		properties: map[string]*jsonschema.Schema{
			"patient_id":  stringProp("Patient to load from the configured data sources"),
			"patient":     objectProp("Inline patient record"),
			"medications": arrayProp("Medication history for the inline patient"),
			"rules":       arrayProp("Rule catalog; defaults to the server's loaded rules"),
			"alert_id":    stringProp("ID of the alert to seed from"),
			"plan":        stringProp("Care plan text"),
			"notes":       stringProp("Free-form notes"),
			"save":        {Type: "boolean", Description: "Persist the assessment"},
			"user_id":     stringProp("Acting user; required when save is true"),
			"role":        stringProp("Acting user's role"),
		},
		required: []string{"alert_id"},
		run:      (*Server).seedAssessment,
	},
}

// toolHandler adapts a toolFunc to the SDK. Failures are reported as tool
// errors so the client sees them instead of a protocol error.
func (s *Server) toolHandler(name string, run toolFunc) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.logger.WithField("tool", name).Info("Tool invoked")
		var args json.RawMessage
		if req != nil && req.Params != nil {
			args = rawArguments(req.Params.Arguments)
		}
		out, err := run(s, ctx, args)
		if err != nil {
			s.logger.WithFields(logrus.Fields{"tool": name, "error": err}).Warn("Tool failed")
			return errorResult(err), nil
		}
		return textResult(out)
	}
}

// rawArguments normalizes tool arguments. The server side delivers them as
// json.RawMessage; anything else is re-encoded.
func rawArguments(v any) json.RawMessage {
	switch a := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return a
	case []byte:
		return a
	default:
		data, err := json.Marshal(a)
		if err != nil {
			return nil
		}
		return data
	}
}

func textResult(out *toolOutput) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(out.result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: out.summary},
			&mcp.TextContent{Text: string(data)},
		},
	}, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: describeError(err)}},
	}
}

func describeError(err error) string {
	var derivErr *domain.DerivationError
	switch {
	case errors.As(err, &derivErr):
		return "Cannot derive patient facts: " + derivErr.Error()
	case errors.Is(err, domain.ErrNotFound):
		return "Not found: " + err.Error()
	case errors.Is(err, domain.ErrMissingActor):
		return "user_id is required to save an assessment"
	case errors.Is(err, service.ErrNoDataSources):
		return "patient_id lookups are not available; pass an inline patient instead"
	default:
		return err.Error()
	}
}

// patientArgs is the shared patient selector of the evaluating tools.
type patientArgs struct {
	PatientID   string                    `json:"patient_id"`
	Patient     *domain.PatientRecord     `json:"patient"`
	Medications []domain.MedicationRecord `json:"medications"`
	Rules       []domain.RawRule          `json:"rules"`
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

// evaluate runs an inline evaluation when a patient is supplied, otherwise a
// source-backed analysis by ID.
func (s *Server) evaluate(ctx context.Context, args patientArgs) (*domain.AnalysisResult, *domain.PatientRecord, error) {
	if args.Patient != nil {
		rules := args.Rules
		if rules == nil {
			rules = s.rules
		}
		result, err := s.analysis.Evaluate(ctx, args.Patient, domain.ActiveMedications(args.Medications), rules)
		return result, args.Patient, err
	}
	if strings.TrimSpace(args.PatientID) == "" {
		return nil, nil, fmt.Errorf("%w: patient_id or patient is required", errInvalidParams)
	}
	return s.analysis.Analyze(ctx, args.PatientID)
}

type evaluateResult struct {
	*domain.AnalysisResult
	Filter  domain.SeverityFilter `json:"filter"`
	Visible []domain.Alert        `json:"visible_alerts"`
	Summary service.AlertSummary  `json:"summary"`
}

func (s *Server) evaluatePatient(ctx context.Context, raw json.RawMessage) (*toolOutput, error) {
	var args struct {
		patientArgs
		Severity string `json:"severity"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	filter, err := domain.ParseSeverityFilter(args.Severity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	result, _, err := s.evaluate(ctx, args.patientArgs)
	if err != nil {
		return nil, err
	}
	visible := service.FilterBySeverity(result.Alerts, filter)
	return &toolOutput{
		summary: fmt.Sprintf("Evaluated %d rules for patient %s: %d alerts (%d shown)",
			result.Stats.RulesEvaluated, result.PatientID, result.Stats.AlertCount, len(visible)),
		result: evaluateResult{
			AnalysisResult: result,
			Filter:         filter,
			Visible:        visible,
			Summary:        service.Summarize(result.Alerts),
		},
	}, nil
}

func (s *Server) classifyRuleType(_ context.Context, raw json.RawMessage) (*toolOutput, error) {
	var args struct {
		RuleType string `json:"rule_type"`
		RuleName string `json:"rule_name"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.RuleType) == "" {
		return nil, fmt.Errorf("%w: rule_type is required", errInvalidParams)
	}
	c := s.analysis.Taxonomy().Classify(args.RuleType, args.RuleName)
	return &toolOutput{
		summary: fmt.Sprintf("%s -> %s / %s", args.RuleType, c.Category, c.CauseName),
		result:  c,
	}, nil
}

func (s *Server) listCategories(_ context.Context, _ json.RawMessage) (*toolOutput, error) {
	categories := s.analysis.Taxonomy().Categories()
	return &toolOutput{
		summary: fmt.Sprintf("%d DRN categories", len(categories)),
		result: map[string]any{
			"categories": categories,
			"fallback":   service.FallbackCategory,
		},
	}, nil
}

type reportResult struct {
	Filename string          `json:"filename"`
	Path     string          `json:"path,omitempty"`
	Report   *service.Report `json:"report"`
}

func (s *Server) buildReport(ctx context.Context, raw json.RawMessage) (*toolOutput, error) {
	var args struct {
		patientArgs
		Save bool `json:"save"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	result, record, err := s.evaluate(ctx, args.patientArgs)
	if err != nil {
		return nil, err
	}

	report := service.ReportFromResult(record, result)
	out := reportResult{Filename: report.Filename(), Report: report}
	if args.Save {
		path, err := s.writeReport(report)
		if err != nil {
			return nil, err
		}
		out.Path = path
	}
	return &toolOutput{
		summary: fmt.Sprintf("Report %s with %d alerts", out.Filename, len(report.Alerts)),
		result:  out,
	}, nil
}

func (s *Server) writeReport(report *service.Report) (string, error) {
	if s.exportDir == "" {
		return "", errors.New("no export directory configured")
	}
	data, err := report.Marshal()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(s.exportDir, report.Filename())
	if rel, err := filepath.Rel(s.exportDir, path); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("report path %q escapes the export directory", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	s.logger.WithField("path", path).Info("Report exported")
	return path, nil
}

func (s *Server) seedAssessment(ctx context.Context, raw json.RawMessage) (*toolOutput, error) {
	var args struct {
		patientArgs
		AlertID string `json:"alert_id"`
		Plan    string `json:"plan"`
		Notes   string `json:"notes"`
		Save    bool   `json:"save"`
		UserID  string `json:"user_id"`
		Role    string `json:"role"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.AlertID == "" {
		return nil, fmt.Errorf("%w: alert_id is required", errInvalidParams)
	}
	result, _, err := s.evaluate(ctx, args.patientArgs)
	if err != nil {
		return nil, err
	}

	var alert *domain.Alert
	for i := range result.Alerts {
		if result.Alerts[i].ID == args.AlertID {
			alert = &result.Alerts[i]
			break
		}
	}
	if alert == nil {
		return nil, fmt.Errorf("alert %q did not fire: %w", args.AlertID, domain.ErrNotFound)
	}

	a := assessment.NewFromSeed(result.PatientID, service.SeedFromAlert(*alert))
	a.Plan = args.Plan
	a.Notes = args.Notes

	if args.Save {
		if s.assessments == nil {
			return nil, errors.New("assessment storage is not configured")
		}
		actor := assessment.Actor{UserID: args.UserID, Role: args.Role}
		if err := s.assessments.Save(ctx, actor, a); err != nil {
			return nil, err
		}
	}
	return &toolOutput{
		summary: fmt.Sprintf("Assessment for %s on patient %s (%s)", a.RuleID, a.PatientID, a.Status),
		result:  a,
	}, nil
}
