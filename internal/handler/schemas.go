package handler

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schemas check shape and types only. Missing validation fields are a
// coverage problem for the evaluator, not malformed input.
const (
	snapshotSchemaSrc = `{
  "type": "object",
  "required": ["component", "current_metrics", "baseline_metrics"],
  "properties": {
    "component": {"type": "string", "minLength": 1},
    "current_metrics": {"type": "object", "additionalProperties": {"type": "number"}},
    "baseline_metrics": {"type": "object", "additionalProperties": {"type": "number"}},
    "error_samples": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "count"],
        "properties": {
          "type": {"type": "string"},
          "message": {"type": "string"},
          "count": {"type": "integer", "minimum": 0}
        }
      }
    },
    "window_label": {"type": "string"},
    "captured_at": {"type": "string"}
  }
}`

	validationSchemaSrc = `{
  "type": "object",
  "properties": {
    "validation_id": {"type": "string"},
    "proposal_id": {"type": "string"},
    "test_dataset_size": {"type": "integer", "minimum": 0},
    "tests_passed": {"type": "integer", "minimum": 0},
    "tests_failed": {"type": "integer", "minimum": 0},
    "baseline_metrics": {"type": "object", "additionalProperties": {"type": "number"}},
    "test_metrics": {"type": "object", "additionalProperties": {"type": "number"}},
    "regressions_detected": {"type": "boolean"},
    "regression_details": {"type": "string"},
    "anomalies": {"type": "array", "items": {"type": "string"}},
    "completed_at": {"type": "string"}
  }
}`

	rejectSchemaSrc = `{
  "type": "object",
  "required": ["reason"],
  "properties": {"reason": {"type": "string", "minLength": 1}}
}`

	reasonSchemaSrc = `{
  "type": "object",
  "properties": {"reason": {"type": "string"}}
}`
)

var (
	snapshotSchema   = mustCompile("snapshot", snapshotSchemaSrc)
	validationSchema = mustCompile("validation_result", validationSchemaSrc)
	rejectSchema     = mustCompile("reject", rejectSchemaSrc)
	reasonSchema     = mustCompile("reason", reasonSchemaSrc)
)

func mustCompile(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://qloop.schemas.local/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return c.MustCompile(url)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}
