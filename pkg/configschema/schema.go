// Package configschema renders the service configuration as a JSON Schema
// with the built-in defaults filled in.
package configschema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nimburion/places/pkg/config"
)

// secretKeys are dotted config keys whose defaults are never published.
var secretKeys = map[string]struct{}{
	"auth.secret":                         {},
	"database.url":                        {},
	"object_storage.s3.secret_access_key": {},
	"object_storage.s3.session_token":     {},
	"tasks.redis.url":                     {},
	"newsletter.smtp.password":            {},
	"newsletter.ses.secret_access_key":    {},
	"newsletter.sendgrid.api_key":         {},
}

// Build returns the schema of config.Config. Property names are the keys
// accepted in config files and flags. defaults may be nil, in which case
// config.DefaultConfig() is used.
func Build(defaults *config.Config) (*jsonschema.Schema, error) {
	opts := &jsonschema.ForOptions{
		IgnoreInvalidTypes: true,
		TypeSchemas: map[reflect.Type]*jsonschema.Schema{
			reflect.TypeOf(time.Duration(0)): {Type: "string"},
		},
	}
	t := reflect.TypeOf(config.Config{})
	schema, err := jsonschema.ForType(t, opts)
	if err != nil {
		return nil, fmt.Errorf("build config schema: %w", err)
	}
	renameProperties(schema, t)

	if defaults == nil {
		defaults = config.DefaultConfig()
	}
	injectDefaults(schema, reflect.ValueOf(*defaults), "")
	pruneRequiredWithDefaults(schema)

	name := strings.TrimSpace(defaults.Service.Name)
	if name == "" {
		name = "places"
	}
	schema.Title = name + " configuration"
	schema.Schema = "https://json-schema.org/draft/2020-12/schema"
	return schema, nil
}

// renameProperties maps the Go field names jsonschema-go emits to config
// keys.
func renameProperties(schema *jsonschema.Schema, t reflect.Type) {
	if schema == nil || t.Kind() != reflect.Struct || len(schema.Properties) == 0 {
		return
	}
	renamed := make(map[string]string, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		key := keyName(field)
		prop, ok := schema.Properties[field.Name]
		if !ok {
			continue
		}
		delete(schema.Properties, field.Name)
		schema.Properties[key] = prop
		renamed[field.Name] = key
		renameProperties(prop, field.Type)
	}
	for i, name := range schema.Required {
		if key, ok := renamed[name]; ok {
			schema.Required[i] = key
		}
	}
	for i, name := range schema.PropertyOrder {
		if key, ok := renamed[name]; ok {
			schema.PropertyOrder[i] = key
		}
	}
}

func injectDefaults(schema *jsonschema.Schema, value reflect.Value, path string) {
	if schema == nil || !value.IsValid() {
		return
	}
	if value.Kind() != reflect.Struct {
		if _, secret := secretKeys[path]; secret || schema.Default != nil {
			return
		}
		if raw, ok := marshalDefault(value); ok {
			schema.Default = raw
		}
		return
	}
	t := value.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		key := keyName(field)
		if prop, ok := schema.Properties[key]; ok {
			injectDefaults(prop, value.Field(i), strings.TrimPrefix(path+"."+key, "."))
		}
	}
}

// pruneRequiredWithDefaults drops required entries that have a default, so
// a config file only has to name what it changes.
func pruneRequiredWithDefaults(schema *jsonschema.Schema) {
	if schema == nil {
		return
	}
	kept := schema.Required[:0]
	for _, name := range schema.Required {
		prop := schema.Properties[name]
		if prop == nil || (prop.Default == nil && len(prop.Properties) == 0) {
			kept = append(kept, name)
		}
	}
	schema.Required = kept
	for _, prop := range schema.Properties {
		pruneRequiredWithDefaults(prop)
	}
}

func marshalDefault(value reflect.Value) (json.RawMessage, bool) {
	var v any = value.Interface()
	if d, ok := v.(time.Duration); ok {
		v = d.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func keyName(field reflect.StructField) string {
	if tag := field.Tag.Get("mapstructure"); tag != "" {
		if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
			return name
		}
	}
	return toSnakeCase(field.Name)
}

func toSnakeCase(value string) string {
	var b strings.Builder
	b.Grow(len(value) + 4)
	runes := []rune(value)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
