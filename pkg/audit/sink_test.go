package audit

import (
	"context"
	"os"
	"testing"

	"github.com/meridianos/chartmerge/pkg/common/logger"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

func TestScrubDropsClinicalValues(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": "op-1",
		"patient_id":   "patient-1",
		"added":        3,
		"dosage":       "500mg",
		"description":  "Hypertension",
		"nested": map[string]interface{}{
			"birthDate": "1961-04-21",
			"count":     2,
		},
		"conflicts": []interface{}{
			map[string]interface{}{
				"category":  "dosage",
				"new_value": "250mg",
			},
		},
	}

	scrubbed := Scrub(payload)

	if scrubbed["operation_id"] != "op-1" || scrubbed["added"] != 3 {
		t.Fatalf("identifiers and counts must survive: %v", scrubbed)
	}
	if _, ok := scrubbed["dosage"]; ok {
		t.Fatal("dosage leaked")
	}
	if _, ok := scrubbed["description"]; ok {
		t.Fatal("description leaked")
	}

	nested := scrubbed["nested"].(map[string]interface{})
	if _, ok := nested["birthDate"]; ok {
		t.Fatal("nested birthDate leaked")
	}
	if nested["count"] != 2 {
		t.Fatal("nested count must survive")
	}

	conflicts := scrubbed["conflicts"].([]interface{})
	inner := conflicts[0].(map[string]interface{})
	if _, ok := inner["new_value"]; ok {
		t.Fatal("conflict value leaked")
	}
	if inner["category"] != "dosage" {
		t.Fatal("conflict category must survive")
	}
}

func TestNilSinkIsSafe(t *testing.T) {
	var sink *Sink
	sink.Publish(context.Background(), EventMergeCompleted, map[string]interface{}{"patient_id": "p"})

	NewSink(nil).Publish(context.Background(), EventRollback, nil)
}
