// Package config loads runtime configuration from YAML or JSON files with
// environment variable overrides and pluggable validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// Validator checks a loaded configuration.
type Validator interface {
	Validate(config any) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(config any) error

func (f ValidatorFunc) Validate(config any) error { return f(config) }

// Load reads path into target, choosing the codec by extension. Files
// without a .json extension are treated as YAML.
func Load(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, target); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadWithEnv loads path into target and then applies environment overrides
// named PREFIX_FIELD or PREFIX_STRUCT_FIELD.
func LoadWithEnv(path, prefix string, target any) error {
	if err := Load(path, target); err != nil {
		return err
	}
	return ApplyEnvOverrides(prefix, target)
}

// ApplyEnvOverrides walks target's exported fields and overwrites any whose
// matching environment variable is set.
func ApplyEnvOverrides(prefix string, target any) error {
	if prefix == "" {
		prefix = "VELOX"
	}
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to a struct")
	}
	return applyEnvToStruct(prefix, val.Elem())
}

func applyEnvToStruct(prefix string, val reflect.Value) error {
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !field.CanSet() {
			continue
		}

		envKey := strings.ReplaceAll(prefix+"_"+strings.ToUpper(fieldType.Name), "-", "_")

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(envKey, field); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldFromEnv(field, envValue); err != nil {
			return fmt.Errorf("set %s from %s: %w", fieldType.Name, envKey, err)
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, envValue string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var v int64
		if _, err := fmt.Sscanf(envValue, "%d", &v); err != nil {
			return fmt.Errorf("invalid integer value: %s", envValue)
		}
		field.SetInt(v)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		var v uint64
		if _, err := fmt.Sscanf(envValue, "%d", &v); err != nil {
			return fmt.Errorf("invalid unsigned integer value: %s", envValue)
		}
		field.SetUint(v)
	case reflect.Float32, reflect.Float64:
		var v float64
		if _, err := fmt.Sscanf(envValue, "%f", &v); err != nil {
			return fmt.Errorf("invalid float value: %s", envValue)
		}
		field.SetFloat(v)
	case reflect.Bool:
		field.SetBool(strings.EqualFold(envValue, "true") || envValue == "1")
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate runs every validator against config, stopping on the first error.
func Validate(config any, validators ...Validator) error {
	for _, v := range validators {
		if err := v.Validate(config); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}
	return nil
}

// OneOf asserts that the named string field holds one of the allowed values.
// The field name may be dotted for nested structs.
func OneOf(fieldPath string, allowed ...string) Validator {
	return ValidatorFunc(func(config any) error {
		val := fieldByPath(reflect.ValueOf(config), fieldPath)
		if !val.IsValid() || val.Kind() != reflect.String {
			return fmt.Errorf("field %s not found or not a string", fieldPath)
		}
		got := val.String()
		for _, a := range allowed {
			if got == a {
				return nil
			}
		}
		return fmt.Errorf("field %s must be one of %v, got %q", fieldPath, allowed, got)
	})
}

// Required asserts that the named fields are non-zero.
func Required(fieldPaths ...string) Validator {
	return ValidatorFunc(func(config any) error {
		for _, path := range fieldPaths {
			val := fieldByPath(reflect.ValueOf(config), path)
			if !val.IsValid() {
				return fmt.Errorf("field %s not found", path)
			}
			if val.IsZero() {
				return fmt.Errorf("field %s is required", path)
			}
		}
		return nil
	})
}

func fieldByPath(val reflect.Value, path string) reflect.Value {
	for val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	for _, part := range strings.Split(path, ".") {
		if val.Kind() != reflect.Struct {
			return reflect.Value{}
		}
		val = val.FieldByName(part)
		if !val.IsValid() {
			return reflect.Value{}
		}
		for val.Kind() == reflect.Ptr {
			val = val.Elem()
		}
	}
	return val
}
