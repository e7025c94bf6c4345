// Package validation checks job payloads against JSON schemas before they
// reach a handler. A schema violation is a validation error and is never
// retried.
package validation

import (
	"fmt"
	"strings"

	"campaign-dispatch/internal/common/errors"
	"campaign-dispatch/internal/models"

	"github.com/xeipuuv/gojsonschema"
)

const startCampaignSchema = `{
	"type": "object",
	"required": ["campaignId"],
	"properties": {
		"campaignId": {"type": "string", "minLength": 1}
	}
}`

const sendBatchSchema = `{
	"type": "object",
	"required": ["campaignId", "variantName", "offset", "addresses", "userId"],
	"properties": {
		"campaignId":  {"type": "string", "minLength": 1},
		"variantName": {"type": "string", "minLength": 1},
		"offset":      {"type": "integer", "minimum": 0},
		"addresses":   {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
		"userId":      {"type": "string", "minLength": 1},
		"priority":    {"type": "string"}
	}
}`

const sendMessageSchema = `{
	"type": "object",
	"required": ["campaignId", "variantName", "address", "userId"],
	"properties": {
		"campaignId":  {"type": "string", "minLength": 1},
		"variantName": {"type": "string", "minLength": 1},
		"address":     {"type": "string", "minLength": 1},
		"userId":      {"type": "string", "minLength": 1},
		"variables":   {"type": "object"},
		"priority":    {"type": "string"}
	}
}`

var payloadSchemas = map[models.JobType]*gojsonschema.Schema{}

func init() {
	for jobType, raw := range map[models.JobType]string{
		models.JobTypeStartCampaign: startCampaignSchema,
		models.JobTypeSendBatch:     sendBatchSchema,
		models.JobTypeSendMessage:   sendMessageSchema,
	} {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("invalid payload schema for %s: %v", jobType, err))
		}
		payloadSchemas[jobType] = schema
	}
}

// ValidatePayload validates a raw job payload against the schema for its job
// type. Unknown job types are rejected.
func ValidatePayload(jobType models.JobType, payload []byte) error {
	schema, ok := payloadSchemas[jobType]
	if !ok {
		return errors.NewValidationError(fmt.Sprintf("unknown job type %q", jobType))
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return errors.NewValidationError(fmt.Sprintf("payload is not valid JSON: %v", err))
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			details = append(details, resultErr.String())
		}
		return errors.NewValidationError(strings.Join(details, "; "))
	}

	return nil
}
