package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inputJSON = `{
  "patient": {"id": "p-9", "age": 72, "gender": "F"},
  "medications": [{"drug_name": "Diazepam", "is_active": true}],
  "rules": [
    {"id": "beers-benzo", "rule_type": "geriatric_caution", "rule_name": "Benzodiazepine in older adult",
     "severity": "high", "is_active": true,
     "condition": {"all": [{"fact": "ageCategory", "operator": "eq", "value": "geriatric"},
                           {"fact": "medications", "operator": "contains", "value": "diazepam"}]},
     "action_payload": {"message": "Avoid benzodiazepines", "recommendation": "Taper and stop"}},
    {"id": "peds", "rule_type": "pediatric_restriction", "rule_name": "Pediatric only", "severity": "low", "is_active": true,
     "condition": {"fact": "patientType", "operator": "eq", "value": "pediatric"},
     "action_payload": {"message": "never"}}
  ]
}`

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestEvaluateCommand_Alerts(t *testing.T) {
	out, err := run(t, inputJSON, "evaluate")
	require.NoError(t, err)

	assert.Contains(t, out, "2 rules evaluated, 1 alerts")
	assert.Contains(t, out, "[high] beers-benzo (Safety / Potentially inappropriate in older adults): Avoid benzodiazepines")
	assert.Contains(t, out, "-> Taper and stop")
}

func TestEvaluateCommand_SeverityFilter(t *testing.T) {
	out, err := run(t, inputJSON, "evaluate", "--severity", "low")
	require.NoError(t, err)
	assert.NotContains(t, out, "beers-benzo")

	_, err = run(t, inputJSON, "evaluate", "--severity", "urgent")
	assert.Error(t, err)
}

func TestEvaluateCommand_ReportFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patient.json")
	require.NoError(t, os.WriteFile(path, []byte(inputJSON), 0o644))

	out, err := run(t, "", "evaluate", "--input", path, "--report")
	require.NoError(t, err)

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "1.0", report["version"])
	assert.Len(t, report["alerts"], 1)
}

func TestEvaluateCommand_InputErrors(t *testing.T) {
	_, err := run(t, `{"rules": []}`, "evaluate")
	assert.Error(t, err)

	_, err = run(t, `not json`, "evaluate")
	assert.Error(t, err)

	_, err = run(t, "", "evaluate", "--input", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestTaxonomyCommand(t *testing.T) {
	out, err := run(t, "", "taxonomy")
	require.NoError(t, err)

	var categories []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &categories))
	assert.Len(t, categories, 9)
}

func TestClassifyCommand(t *testing.T) {
	out, err := run(t, "", "classify", "drug_food_interaction")
	require.NoError(t, err)
	assert.Contains(t, out, "category=Drug Interaction")
	assert.Contains(t, out, "mapped=true")

	out, err = run(t, "", "classify", "unknown_type", "Custom rule")
	require.NoError(t, err)
	assert.Contains(t, out, `category=Safety cause="Custom rule"`)
	assert.Contains(t, out, "mapped=false")
}
