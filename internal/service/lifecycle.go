package service

import (
	"github.com/pharmacy-cdss-server/internal/domain"
)

// Alert lifecycle transitions. Every function returns a new slice and leaves
// its input untouched; none of them re-runs evaluation.

// Acknowledge marks the alert with the given id. Unknown ids and alerts that
// are already acknowledged leave the collection unchanged.
func Acknowledge(alerts []domain.Alert, id string) []domain.Alert {
	out := cloneAlerts(alerts)
	for i := range out {
		if out[i].ID == id {
			out[i].Acknowledged = true
		}
	}
	return out
}

// AcknowledgeAll marks every alert.
func AcknowledgeAll(alerts []domain.Alert) []domain.Alert {
	out := cloneAlerts(alerts)
	for i := range out {
		out[i].Acknowledged = true
	}
	return out
}

// ReapplyAcknowledgements carries acknowledgement state from a previous run.
// Ids with no matching alert are ignored.
func ReapplyAcknowledgements(alerts []domain.Alert, acknowledgedIDs []string) []domain.Alert {
	ids := make(map[string]bool, len(acknowledgedIDs))
	for _, id := range acknowledgedIDs {
		ids[id] = true
	}
	out := cloneAlerts(alerts)
	for i := range out {
		if ids[out[i].ID] {
			out[i].Acknowledged = true
		}
	}
	return out
}

// AcknowledgedIDs lists the ids of acknowledged alerts in collection order.
func AcknowledgedIDs(alerts []domain.Alert) []string {
	ids := []string{}
	for _, a := range alerts {
		if a.Acknowledged {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// FilterBySeverity returns the alerts passing filter, preserving order.
func FilterBySeverity(alerts []domain.Alert, filter domain.SeverityFilter) []domain.Alert {
	out := make([]domain.Alert, 0, len(alerts))
	for _, a := range alerts {
		if filter.Matches(a.Severity) {
			out = append(out, a)
		}
	}
	return out
}

// ToggleExpand returns the id to expand after clickedID is clicked. Clicking
// the expanded alert collapses it and returns "".
func ToggleExpand(currentExpandedID, clickedID string) string {
	if currentExpandedID == clickedID {
		return ""
	}
	return clickedID
}

// ViewState is the presentation state over one alert collection.
type ViewState struct {
	ExpandedID string                `json:"expanded_id,omitempty"`
	Filter     domain.SeverityFilter `json:"filter"`
}

// NewViewState starts with nothing expanded and no filter.
func NewViewState() ViewState {
	return ViewState{Filter: domain.FilterAll}
}

// Toggle applies a click on clickedID.
func (v ViewState) Toggle(clickedID string) ViewState {
	v.ExpandedID = ToggleExpand(v.ExpandedID, clickedID)
	return v
}

// WithFilter switches the severity filter. An invalid filter leaves the state
// unchanged and returns domain.ErrInvalidFilter.
func (v ViewState) WithFilter(filter domain.SeverityFilter) (ViewState, error) {
	if !filter.IsValid() {
		return v, domain.ErrInvalidFilter
	}
	v.Filter = filter
	return v, nil
}

// Visible applies the filter and marks the expanded alert.
func (v ViewState) Visible(alerts []domain.Alert) []domain.Alert {
	filter := v.Filter
	if filter == "" {
		filter = domain.FilterAll
	}
	out := FilterBySeverity(alerts, filter)
	for i := range out {
		out[i].Expanded = v.ExpandedID != "" && out[i].ID == v.ExpandedID
	}
	return out
}

// AlertSummary holds badge counts for an alert collection.
type AlertSummary struct {
	Total          int                     `json:"total"`
	Acknowledged   int                     `json:"acknowledged"`
	Unacknowledged int                     `json:"unacknowledged"`
	BySeverity     map[domain.Severity]int `json:"by_severity"`
}

// Summarize counts alerts by acknowledgement and severity.
func Summarize(alerts []domain.Alert) AlertSummary {
	summary := AlertSummary{Total: len(alerts), BySeverity: make(map[domain.Severity]int, len(domain.Severities))}
	for _, s := range domain.Severities {
		summary.BySeverity[s] = 0
	}
	for _, a := range alerts {
		if a.Acknowledged {
			summary.Acknowledged++
		}
		summary.BySeverity[a.Severity]++
	}
	summary.Unacknowledged = summary.Total - summary.Acknowledged
	return summary
}

func cloneAlerts(alerts []domain.Alert) []domain.Alert {
	out := make([]domain.Alert, len(alerts))
	copy(out, alerts)
	return out
}
