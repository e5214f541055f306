package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// webhookSchema is the structural contract for inbound webhooks. Semantic
// checks that JSON Schema cannot express cleanly (timestamp parsing) are
// layered on top in validateRecord.
const webhookSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_id", "event_type", "occurred_at", "payload"],
  "properties": {
    "event_id":    {"type": "string", "minLength": 1, "maxLength": 255},
    "event_type":  {"type": "string", "minLength": 1, "maxLength": 100},
    "occurred_at": {"type": "string", "minLength": 1},
    "payload":     {"type": "object"}
  },
  "additionalProperties": false
}`

var webhookValidator = jsonschema.MustCompileString("webhook.json", webhookSchema)

// validateWebhook checks the decoded request body against the schema and
// parses occurred_at. It returns the parsed timestamp on success.
func validateWebhook(body map[string]any) (time.Time, error) {
	if err := webhookValidator.Validate(body); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return time.Time{}, fmt.Errorf("schema validation failed: %s", flattenValidation(ve))
		}
		return time.Time{}, fmt.Errorf("schema validation failed: %w", err)
	}

	raw, _ := body["occurred_at"].(string)
	occurredAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("occurred_at is not an RFC 3339 timestamp: %q", raw)
	}
	return occurredAt, nil
}

// flattenValidation turns the compiler's nested cause tree into one line.
func flattenValidation(ve *jsonschema.ValidationError) string {
	leaves := ve.Causes
	if len(leaves) == 0 {
		return ve.Message
	}
	parts := make([]string, 0, len(leaves))
	for _, c := range leaves {
		loc := strings.TrimPrefix(c.InstanceLocation, "/")
		if loc == "" {
			parts = append(parts, c.Message)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", loc, c.Message))
	}
	return strings.Join(parts, "; ")
}
