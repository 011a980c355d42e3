package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/model"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// addSubjectFlags registers the flags that identify a metric subject.
func addSubjectFlags(cmd *cobra.Command) {
	cmd.Flags().String("tenant", "", "tenant ID (required)")
	cmd.Flags().String("entity", "", "entity ID (omit for tenant-level metrics)")
	cmd.Flags().String("date", "", "subject date YYYY-MM-DD (dated metrics)")
	cmd.Flags().String("before", "", "only consider rows calculated at or before this RFC3339 time")
	_ = cmd.MarkFlagRequired("tenant")
}

// subjectFromFlags resolves the metric kind and subject named by args[0]
// and the subject flags.
func subjectFromFlags(cmd *cobra.Command, kindArg string) (metricstore.Kind, metricstore.Subject, time.Time, error) {
	kind := metricstore.Kind(kindArg)
	spec, err := metricstore.SpecOf(kind)
	if err != nil {
		return "", metricstore.Subject{}, time.Time{}, err
	}

	tenant, _ := cmd.Flags().GetString("tenant")
	entityID, _ := cmd.Flags().GetString("entity")
	dateStr, _ := cmd.Flags().GetString("date")
	beforeStr, _ := cmd.Flags().GetString("before")

	if !spec.TenantLevel() && entityID == "" {
		return "", metricstore.Subject{}, time.Time{}, eris.Errorf("--entity is required for %s", kind)
	}
	var date time.Time
	if dateStr != "" {
		if date, err = model.ParseDate(dateStr); err != nil {
			return "", metricstore.Subject{}, time.Time{}, eris.Wrap(err, "parse --date")
		}
	}
	if spec.Dated && date.IsZero() {
		return "", metricstore.Subject{}, time.Time{}, eris.Errorf("--date is required for %s", kind)
	}
	var before time.Time
	if beforeStr != "" {
		if before, err = time.Parse(time.RFC3339Nano, beforeStr); err != nil {
			return "", metricstore.Subject{}, time.Time{}, eris.Wrap(err, "parse --before")
		}
	}
	return kind, metricstore.NewSubject(tenant, entityID, date), before, nil
}
