package gateway

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// webhookSchema constrains the shape of inbound platform events. Signature
// verification proves who sent the payload; the schema proves it is usable.
const webhookSchema = `{
	"type": "object",
	"properties": {
		"action": {"type": "string"},
		"issue": {
			"type": "object",
			"properties": {
				"number": {"type": "integer", "minimum": 1},
				"title": {"type": "string"},
				"body": {"type": ["string", "null"]},
				"labels": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {"name": {"type": "string"}},
						"required": ["name"]
					}
				}
			},
			"required": ["number"]
		},
		"comment": {
			"type": "object",
			"properties": {"body": {"type": "string"}}
		},
		"repository": {
			"type": "object",
			"properties": {"full_name": {"type": "string", "minLength": 3}},
			"required": ["full_name"]
		},
		"installation": {
			"type": "object",
			"properties": {
				"id": {"type": "integer", "minimum": 1},
				"account": {
					"type": "object",
					"properties": {"login": {"type": "string"}}
				}
			},
			"required": ["id"]
		}
	},
	"required": ["action", "issue", "repository", "installation"]
}`

// callbackSchema constrains outcome reports on /api/callback.
const callbackSchema = `{
	"type": "object",
	"properties": {
		"installation_id": {"type": "integer", "minimum": 1},
		"repo": {"type": "string", "minLength": 3},
		"issue_number": {"type": "integer", "minimum": 1},
		"status": {"type": "string", "enum": ["success", "failed", "skipped"]},
		"pr_number": {"type": "integer", "minimum": 1},
		"error_message": {"type": "string"},
		"run_id": {"type": "string"}
	},
	"required": ["installation_id", "repo", "issue_number", "status"]
}`

type schemaSet struct {
	webhook  *jsonschema.Schema
	callback *jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	compiler := jsonschema.NewCompiler()
	for name, text := range map[string]string{
		"webhook.json":  webhookSchema,
		"callback.json": callbackSchema,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	webhook, err := compiler.Compile("webhook.json")
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	callback, err := compiler.Compile("callback.json")
	if err != nil {
		return nil, fmt.Errorf("compile callback schema: %w", err)
	}
	return &schemaSet{webhook: webhook, callback: callback}, nil
}

func (s *schemaSet) validateWebhook(body []byte) error {
	return validateAgainst(s.webhook, body)
}

func (s *schemaSet) validateCallback(body []byte) error {
	return validateAgainst(s.callback, body)
}

func validateAgainst(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}
	return schema.Validate(inst)
}
