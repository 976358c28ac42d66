package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// RuleRepository reads the clinical rule catalog.
type RuleRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *pgxpool.Pool, logger *logrus.Logger) *RuleRepository {
	return &RuleRepository{
		db:  db,
		log: logger,
	}
}

// Upsert stores a rule exactly as given, payloads included.
func (r *RuleRepository) Upsert(ctx context.Context, rule domain.RawRule, sortOrder int) error {
	query := `
		INSERT INTO clinical_rules (
			id, rule_type, rule_name, severity, is_active, condition, action_payload, sort_order
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			rule_type = EXCLUDED.rule_type,
			rule_name = EXCLUDED.rule_name,
			severity = EXCLUDED.severity,
			is_active = EXCLUDED.is_active,
			condition = EXCLUDED.condition,
			action_payload = EXCLUDED.action_payload,
			sort_order = EXCLUDED.sort_order,
			updated_at = NOW()`

	_, err := r.db.Exec(ctx, query,
		rule.ID, rule.RuleType, rule.RuleName, rule.Severity, rule.IsActive,
		nullableText(rule.Condition), nullableText(rule.ActionPayload), sortOrder,
	)
	if err != nil {
		return fmt.Errorf("upserting rule %s: %w", rule.ID, err)
	}
	return nil
}

// ListRules returns every rule, active or not, in catalog order. Filtering
// to active rules happens when the catalog is built.
func (r *RuleRepository) ListRules(ctx context.Context) ([]domain.RawRule, error) {
	query := `
		SELECT id, rule_type, rule_name, severity, is_active, condition, action_payload
		FROM clinical_rules
		ORDER BY sort_order, id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()

	rules := []domain.RawRule{}
	for rows.Next() {
		var (
			rule              domain.RawRule
			condition, action *string
		)
		if err := rows.Scan(&rule.ID, &rule.RuleType, &rule.RuleName, &rule.Severity, &rule.IsActive, &condition, &action); err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		rule.Condition = rawText(condition)
		rule.ActionPayload = rawText(action)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rules: %w", err)
	}

	r.log.WithField("count", len(rules)).Debug("Loaded clinical rules")
	return rules, nil
}

func nullableText(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

func rawText(s *string) json.RawMessage {
	if s == nil {
		return nil
	}
	return json.RawMessage(*s)
}
