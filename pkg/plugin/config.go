// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/holomush/plughost/pkg/errutil"
)

// ConfigOption describes one recognized configuration option.
type ConfigOption struct {
	Type        string   `json:"type"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Default     any      `json:"default,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
	MinLength   *int     `json:"minLength,omitempty"`
	MaxLength   *int     `json:"maxLength,omitempty"`
	Enum        []any    `json:"enum,omitempty"`
	Required    bool     `json:"required,omitempty"`
}

// ConfigSchema maps option names to their descriptions.
type ConfigSchema map[string]ConfigOption

// Float returns a pointer to v, for building Minimum/Maximum bounds.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for building MinLength/MaxLength bounds.
func Int(v int) *int { return &v }

// Required returns the sorted names of required options.
func (s ConfigSchema) Required() []string {
	var names []string
	for name, opt := range s {
		if opt.Required {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ToJSONSchema renders the schema as a JSON Schema object document with
// type, properties and required keys.
func (s ConfigSchema) ToJSONSchema() map[string]any {
	props := make(map[string]any, len(s))
	for name, opt := range s {
		prop := map[string]any{}
		if opt.Type != "" {
			prop["type"] = opt.Type
		}
		if opt.Title != "" {
			prop["title"] = opt.Title
		}
		if opt.Description != "" {
			prop["description"] = opt.Description
		}
		if opt.Default != nil {
			prop["default"] = opt.Default
		}
		if opt.Minimum != nil {
			prop["minimum"] = *opt.Minimum
		}
		if opt.Maximum != nil {
			prop["maximum"] = *opt.Maximum
		}
		if opt.MinLength != nil {
			prop["minLength"] = *opt.MinLength
		}
		if opt.MaxLength != nil {
			prop["maxLength"] = *opt.MaxLength
		}
		if len(opt.Enum) > 0 {
			prop["enum"] = opt.Enum
		}
		props[name] = prop
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if req := s.Required(); len(req) > 0 {
		doc["required"] = req
	}
	return doc
}

// SchemaFromJSON converts a JSON Schema object document (as found in a
// manifest's config_schema) back into a ConfigSchema. Unknown keywords are
// ignored.
func SchemaFromJSON(doc map[string]any) (ConfigSchema, error) {
	if len(doc) == 0 {
		return ConfigSchema{}, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, oops.Code(errutil.CodeConfigInvalid).Wrapf(err, "encode config schema")
	}
	var parsed struct {
		Properties map[string]ConfigOption `json:"properties"`
		Required   []string                `json:"required"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, oops.Code(errutil.CodeConfigInvalid).Wrapf(err, "decode config schema")
	}
	out := make(ConfigSchema, len(parsed.Properties))
	for name, opt := range parsed.Properties {
		out[name] = opt
	}
	for _, name := range parsed.Required {
		opt := out[name]
		opt.Required = true
		out[name] = opt
	}
	return out, nil
}

// ApplyDefaults returns a copy of cfg with schema defaults filled in for
// options the caller did not set.
func (s ConfigSchema) ApplyDefaults(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg)+len(s))
	for k, v := range cfg {
		out[k] = v
	}
	for name, opt := range s {
		if _, ok := out[name]; !ok && opt.Default != nil {
			out[name] = opt.Default
		}
	}
	return out
}

// Validate checks cfg against the schema's required fields, types,
// numeric bounds, string lengths and enums.
func (s ConfigSchema) Validate(cfg map[string]any) error {
	if len(s) == 0 {
		return nil
	}
	sch, err := s.compile()
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	inst, err := toJSONValue(cfg)
	if err != nil {
		return oops.Code(errutil.CodeConfigInvalid).Wrapf(err, "encode config")
	}
	if err := sch.Validate(inst); err != nil {
		return oops.Code(errutil.CodeConfigInvalid).Wrapf(err, "config does not match schema")
	}
	return nil
}

func (s ConfigSchema) compile() (*jschema.Schema, error) {
	doc, err := toJSONValue(s.ToJSONSchema())
	if err != nil {
		return nil, oops.Code(errutil.CodeConfigInvalid).Wrapf(err, "encode config schema")
	}
	c := jschema.NewCompiler()
	if err := c.AddResource("config.schema.json", doc); err != nil {
		return nil, oops.Code(errutil.CodeConfigInvalid).Wrapf(err, "add config schema resource")
	}
	sch, err := c.Compile("config.schema.json")
	if err != nil {
		return nil, oops.Code(errutil.CodeConfigInvalid).Wrapf(err, "compile config schema")
	}
	return sch, nil
}

// toJSONValue normalizes Go values into the shapes produced by a JSON
// decoder, which is what the schema validator expects.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	out, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return out, nil
}
