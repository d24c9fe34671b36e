package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemaOnce  sync.Once
	schemaCache *lru.Cache[string, *jsonschema.Schema]
)

func compiledSchemas() *lru.Cache[string, *jsonschema.Schema] {
	schemaOnce.Do(func() {
		// five handler types; the size only needs to hold all of them
		schemaCache, _ = lru.New[string, *jsonschema.Schema](16)
	})
	return schemaCache
}

// ValidateHandlerOptions checks h.Options against the embedded schema for
// h.Type. Types without a schema accept any options.
func ValidateHandlerOptions(h HandlerConfig) error {
	schema, err := handlerSchema(h.Type)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}

	instance, err := toJSONInstance(h.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%s", formatValidationError(err))
	}
	return nil
}

func handlerSchema(handlerType string) (*jsonschema.Schema, error) {
	cache := compiledSchemas()
	if s, ok := cache.Get(handlerType); ok {
		return s, nil
	}

	raw, err := schemaFS.ReadFile("schemas/" + handlerType + ".json")
	if err != nil {
		return nil, nil
	}

	s, err := compileSchema(handlerType, raw)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", handlerType, err)
	}
	cache.Add(handlerType, s)
	return s, nil
}

func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema JSON: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)

	url := name + ".json"
	if err := compiler.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(url)
}

// toJSONInstance normalises viper/yaml decoded values (map[any]any, ints,
// durations) into the shapes the schema validator expects.
func toJSONInstance(v map[string]any) (any, error) {
	if v == nil {
		v = map[string]any{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// formatValidationError renders the first failing location, e.g.
// "validation failed at '$.users': ...".
func formatValidationError(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}

	var parts []string
	for _, part := range ve.InstanceLocation {
		if part != "" {
			parts = append(parts, part)
		}
	}
	path := "$"
	if len(parts) > 0 {
		path = "$." + strings.Join(parts, ".")
	}

	msg := ve.Error()
	if len(msg) > 200 {
		msg = msg[:200] + "... (truncated)"
	}
	return fmt.Sprintf("validation failed at '%s': %s", path, msg)
}

// DecodeOptions decodes h.Options into out, a handler options struct with
// mapstructure tags. Durations use Go syntax ("2160h").
func DecodeOptions(h HandlerConfig, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("create options decoder: %w", err)
	}
	if err := decoder.Decode(h.Options); err != nil {
		return fmt.Errorf("decode %s options: %w", h.Name, err)
	}
	return nil
}
