package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pharmacy-cdss-server/internal/domain"
)

func writeExport(writer io.Writer, all []*Assessment, now time.Time) error {
	if all == nil {
		all = []*Assessment{}
	}
	export := &Export{
		Version:     ExportVersion,
		ExportedAt:  now,
		Count:       len(all),
		Assessments: all,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// importInto saves every exported assessment not already present in store.
// Entries keep their original author.
func importInto(ctx context.Context, store Store, reader io.Reader) (imported int, skipped int, err error) {
	var export Export
	if err := json.NewDecoder(reader).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("failed to decode JSON: %w", err)
	}

	for _, a := range export.Assessments {
		if a == nil {
			skipped++
			continue
		}
		_, err := store.Get(ctx, a.PatientID, a.RuleID)
		if err == nil {
			skipped++
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return imported, skipped, fmt.Errorf("failed to check existing: %w", err)
		}

		author := Actor{UserID: a.CreatedBy, Role: a.CreatedByRole}
		if err := store.Save(ctx, author, a); err != nil {
			return imported, skipped, fmt.Errorf("failed to save assessment %s/%s: %w", a.PatientID, a.RuleID, err)
		}
		imported++
	}

	return imported, skipped, nil
}
