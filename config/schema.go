package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/RonHouben/wavecraft-sub004/errors"
)

// configSchema is the JSON schema the raw configuration file must
// satisfy before it is decoded into the Config struct. Durations accept
// "5s" strings or plain nanosecond numbers, matching Duration.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "server": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "addr": {"type": "string"},
        "path": {"type": "string", "pattern": "^/"}
      }
    },
    "bus": {
      "type": "object",
      "properties": {
        "requestTimeout": {"type": ["string", "number"]}
      }
    },
    "fetch": {
      "type": "object",
      "properties": {
        "connectTimeout": {"type": ["string", "number"]}
      }
    },
    "meter": {
      "type": "object",
      "properties": {
        "ringCapacity": {"type": "integer", "minimum": 1},
        "pollHz": {"type": "integer", "minimum": 1, "maximum": 120}
      }
    },
    "capture": {
      "type": "object",
      "properties": {
        "binary": {"type": "string"},
        "args": {"type": "array", "items": {"type": "string"}}
      }
    },
    "log": {
      "type": "object",
      "properties": {
        "level": {"enum": ["debug", "info", "warn", "error"]},
        "format": {"enum": ["json", "text"]}
      }
    },
    "metrics": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "addr": {"type": "string"}
      }
    }
  },
  "additionalProperties": false
}`

// validateSchema checks the raw configuration document against the
// schema and reports every violation in one error. It must see the file
// bytes, not the decoded struct: json/yaml decoding silently drops
// unknown keys, so a re-marshaled struct always passes
// additionalProperties.
func validateSchema(path string, data []byte) error {
	doc, err := rawDocument(path, data)
	if err != nil {
		return err
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return errors.WrapInvalid(err, "Loader", "validate", "run schema validation")
	}
	if result.Valid() {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("config schema validation failed:")
	for _, desc := range result.Errors() {
		sb.WriteString(fmt.Sprintf("\n  - %s: %s", desc.Field(), desc.Description()))
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, sb.String()),
		"Loader", "validate", "schema validation")
}

// rawDocument canonicalizes the file bytes to JSON for the validator.
func rawDocument(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "validate", fmt.Sprintf("parse yaml %s", path))
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "validate", "canonicalize yaml document")
		}
		return out, nil
	default:
		if !json.Valid(data) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: malformed json", errors.ErrInvalidConfig),
				"Loader", "validate", fmt.Sprintf("parse json %s", path))
		}
		return data, nil
	}
}
