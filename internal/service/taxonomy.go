package service

import (
	"strings"

	"github.com/pharmacy-cdss-server/internal/domain"
)

// FallbackCategory receives rule types that no category claims. The rule's
// own name becomes the cause.
const FallbackCategory = "Safety"

// Drug therapy problem types.
const (
	dtpNeedsTherapy    = "Needs additional drug therapy"
	dtpUnnecessary     = "Unnecessary drug therapy"
	dtpIneffective     = "Ineffective drug"
	dtpDoseTooLow      = "Dosage too low"
	dtpDoseTooHigh     = "Dosage too high"
	dtpAdverseReaction = "Adverse drug reaction"
	dtpInteraction     = "Drug interaction"
	dtpMonitoring      = "Needs monitoring"
	dtpNoncompliance   = "Noncompliance"
	dtpProductQuality  = "Product quality issue"
)

func cause(ruleType, name, dtp string) domain.CauseMapping {
	return domain.CauseMapping{RuleType: ruleType, CauseName: name, DTPType: dtp}
}

// drnCategories is the fixed nine-category table in display order.
var drnCategories = []domain.DRNCategory{
	{ID: "indication", Name: "Indication", Causes: []domain.CauseMapping{
		cause("untreated_condition", "Untreated condition", dtpNeedsTherapy),
		cause("preventive_therapy_needed", "Preventive therapy required", dtpNeedsTherapy),
		cause("synergistic_therapy_needed", "Synergistic therapy required", dtpNeedsTherapy),
		cause("no_indication", "No medical indication", dtpUnnecessary),
		cause("duplicate_therapy", "Duplicate therapy", dtpUnnecessary),
	}},
	{ID: "effectiveness", Name: "Effectiveness", Causes: []domain.CauseMapping{
		cause("ineffective_drug", "More effective drug available", dtpIneffective),
		cause("refractory_condition", "Condition refractory to drug", dtpIneffective),
		cause("wrong_dosage_form", "Dosage form inappropriate", dtpIneffective),
		cause("drug_not_indicated_for_condition", "Drug not effective for condition", dtpIneffective),
	}},
	{ID: "safety", Name: "Safety", Causes: []domain.CauseMapping{
		cause("contraindication", "Contraindication present", dtpAdverseReaction),
		cause("allergy", "Allergic reaction", dtpAdverseReaction),
		cause("pregnancy_risk", "Pregnancy or lactation risk", dtpAdverseReaction),
		cause("age_restriction", "Age-related restriction", dtpAdverseReaction),
		cause("pediatric_restriction", "Unsafe for pediatric patient", dtpAdverseReaction),
		cause("geriatric_caution", "Potentially inappropriate in older adults", dtpAdverseReaction),
		cause("renal_impairment", "Renal impairment risk", dtpAdverseReaction),
		cause("hepatic_impairment", "Hepatic impairment risk", dtpAdverseReaction),
		cause("adverse_effect", "Undesirable effect", dtpAdverseReaction),
	}},
	{ID: "dosage", Name: "Dosage", Causes: []domain.CauseMapping{
		cause("dose_too_low", "Dose too low", dtpDoseTooLow),
		cause("dose_too_high", "Dose too high", dtpDoseTooHigh),
		cause("frequency_inappropriate", "Frequency inappropriate", dtpDoseTooHigh),
		cause("duration_inappropriate", "Duration inappropriate", dtpDoseTooLow),
		cause("weight_based_dosing", "Weight-based dose mismatch", dtpDoseTooHigh),
		cause("renal_dose_adjustment", "Renal dose adjustment needed", dtpDoseTooHigh),
	}},
	{ID: "drug_interaction", Name: "Drug Interaction", Causes: []domain.CauseMapping{
		cause("drug_drug_interaction", "Drug-drug interaction", dtpInteraction),
		cause("drug_food_interaction", "Drug-food interaction", dtpInteraction),
		cause("drug_disease_interaction", "Drug-disease interaction", dtpInteraction),
		cause("drug_lab_interaction", "Drug-laboratory interaction", dtpInteraction),
	}},
	{ID: "administration", Name: "Administration", Causes: []domain.CauseMapping{
		cause("route_inappropriate", "Inappropriate route", dtpAdverseReaction),
		cause("administration_technique", "Incorrect administration technique", dtpIneffective),
		cause("timing_inappropriate", "Inappropriate administration time", dtpIneffective),
		cause("incompatibility", "Physical or chemical incompatibility", dtpProductQuality),
	}},
	{ID: "monitoring", Name: "Monitoring", Causes: []domain.CauseMapping{
		cause("lab_monitoring", "Laboratory monitoring required", dtpMonitoring),
		cause("abnormal_lab", "Abnormal laboratory value", dtpMonitoring),
		cause("vital_sign_monitoring", "Vital sign monitoring required", dtpMonitoring),
		cause("therapeutic_drug_monitoring", "Therapeutic drug monitoring required", dtpMonitoring),
	}},
	{ID: "adherence", Name: "Adherence", Causes: []domain.CauseMapping{
		cause("non_adherence", "Patient does not take drug as instructed", dtpNoncompliance),
		cause("cost_barrier", "Drug too expensive", dtpNoncompliance),
		cause("complex_regimen", "Regimen too complex", dtpNoncompliance),
		cause("product_unavailable", "Drug product not available", dtpNoncompliance),
	}},
	{ID: "product_quality", Name: "Product Quality", Causes: []domain.CauseMapping{
		cause("expired_product", "Expired product", dtpProductQuality),
		cause("storage_issue", "Improper storage", dtpProductQuality),
		cause("substandard_product", "Substandard or falsified product", dtpProductQuality),
	}},
}

type taxonomyEntry struct {
	category string
	cause    domain.CauseMapping
}

// StaticTaxonomy is the built-in DRN table. It is never mutated after
// construction, so Classify is safe to call from concurrent runs.
type StaticTaxonomy struct {
	categories []domain.DRNCategory
	index      map[string]taxonomyEntry
}

// NewStaticTaxonomy indexes the nine DRN categories by rule type.
func NewStaticTaxonomy() *StaticTaxonomy {
	index := make(map[string]taxonomyEntry)
	for _, cat := range drnCategories {
		for _, c := range cat.Causes {
			index[normalizeRuleType(c.RuleType)] = taxonomyEntry{category: cat.Name, cause: c}
		}
	}
	return &StaticTaxonomy{categories: drnCategories, index: index}
}

// Classify looks up a rule type. Unknown types fall back to FallbackCategory
// with the rule name as the cause.
func (t *StaticTaxonomy) Classify(ruleType, ruleName string) domain.Classification {
	if entry, ok := t.index[normalizeRuleType(ruleType)]; ok {
		return domain.Classification{
			Category:  entry.category,
			CauseName: entry.cause.CauseName,
			DTPType:   entry.cause.DTPType,
			Mapped:    true,
		}
	}
	return domain.Classification{
		Category:  FallbackCategory,
		CauseName: ruleName,
		DTPType:   dtpAdverseReaction,
		Mapped:    false,
	}
}

// Categories returns a copy of the table.
func (t *StaticTaxonomy) Categories() []domain.DRNCategory {
	out := make([]domain.DRNCategory, len(t.categories))
	for i, cat := range t.categories {
		out[i] = domain.DRNCategory{
			ID:     cat.ID,
			Name:   cat.Name,
			Causes: append([]domain.CauseMapping(nil), cat.Causes...),
		}
	}
	return out
}

// RuleTypes lists every mapped rule type in table order.
func (t *StaticTaxonomy) RuleTypes() []string {
	var types []string
	for _, cat := range t.categories {
		for _, c := range cat.Causes {
			types = append(types, c.RuleType)
		}
	}
	return types
}

// normalizeRuleType accepts "Drug-Drug Interaction" style spellings.
func normalizeRuleType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}
