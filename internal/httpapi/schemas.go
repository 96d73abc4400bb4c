package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request bodies are validated against JSON Schemas before decoding, so
// structurally broken payloads are rejected with a 400 instead of being
// zero-filled by the decoder.

const upsertModelSchemaJSON = `{
	"type": "object",
	"required": ["model_name"],
	"properties": {
		"model_name": {"type": "string", "minLength": 1},
		"model_id": {"type": "string"},
		"version": {"type": "integer", "minimum": 0},
		"tracked_ranges": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "range"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"range": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

const createTraceSchemaJSON = `{
	"type": "object",
	"required": ["model_id", "tracked_range_name"],
	"properties": {
		"model_id": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string"},
		"tracked_range_name": {"type": "string", "minLength": 1},
		"username": {"type": "string"},
		"value": {}
	}
}`

const createTraceBatchSchemaJSON = `{
	"type": "object",
	"required": ["model_id", "changes"],
	"properties": {
		"model_id": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string"},
		"username": {"type": "string"},
		"changes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["tracked_range_name"],
				"properties": {
					"tracked_range_name": {"type": "string"},
					"value": {}
				}
			}
		}
	}
}`

var (
	upsertModelSchema      = mustCompileSchema("wb/upsert-model.json", upsertModelSchemaJSON)
	createTraceSchema      = mustCompileSchema("wb/create-model-trace.json", createTraceSchemaJSON)
	createTraceBatchSchema = mustCompileSchema("wb/create-model-trace-batch.json", createTraceBatchSchemaJSON)
)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(err)
	}
	return compiler.MustCompile(name)
}

// decodeValidatedBody reads the body once, checks it against the schema and
// only then unmarshals into dst.
func (s *Server) decodeValidatedBody(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	if err := schema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "request body failed validation")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}
