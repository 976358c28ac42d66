package domain

import (
	"context"
	"time"
)

// PatientSource supplies patient records and medication history. Fetches
// complete before any evaluation starts.
type PatientSource interface {
	GetPatient(ctx context.Context, patientID string) (*PatientRecord, error)
	ListMedications(ctx context.Context, patientID string) ([]MedicationRecord, error)
}

// RuleSource supplies the raw rule catalog.
type RuleSource interface {
	ListRules(ctx context.Context) ([]RawRule, error)
}

// FactDeriver converts raw inputs into a normalized fact set.
type FactDeriver interface {
	Derive(record *PatientRecord, activeMeds []MedicationRecord) (*PatientFacts, error)
}

// TaxonomyMapper classifies a rule type into the DRN taxonomy.
type TaxonomyMapper interface {
	Classify(ruleType, ruleName string) Classification
	Categories() []DRNCategory
}

// Clock returns the current time; injected so runs are reproducible.
type Clock func() time.Time

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	GetAnalysisConfig() *AnalysisConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetDatabaseURL() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
