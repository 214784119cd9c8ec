package schema

import (
	"encoding/base64"

	"github.com/northstack/eventflow/pkg/errors"
)

// Revive rebuilds a value decoded from the text codec against its schema.
// The codec is schema-unaware, so byte fields arrive as base64 strings;
// Revive walks the schema and restores them to []byte. All other values
// pass through unchanged.
func Revive(s Schema, value interface{}) (interface{}, error) {
	out, violation := revive(s, value)
	if violation != nil {
		return nil, errors.SchemaViolation(violation)
	}
	return out, nil
}

func revive(s Schema, value interface{}) (interface{}, *errors.Violation) {
	switch t := s.(type) {
	case primitive:
		if t == "Bytes" {
			if raw, ok := value.(string); ok {
				decoded, err := base64.StdEncoding.DecodeString(raw)
				if err != nil {
					return nil, errors.NewViolation("expected base64 Bytes: %v", err)
				}
				return decoded, nil
			}
		}
		return value, t.Validate(value)
	case *OptionalSchema:
		if value == nil {
			return nil, nil
		}
		return revive(t.Inner, value)
	case *ArraySchema:
		items, ok := value.([]interface{})
		if !ok {
			return nil, errors.NewViolation("expected an array, got %s", describe(value))
		}
		out := make([]interface{}, len(items))
		for i, item := range items {
			revived, violation := revive(t.Elem, item)
			if violation != nil {
				return nil, errors.NewViolation("invalid element %d", i).Add(violation)
			}
			out[i] = revived
		}
		return out, nil
	case *RecordSchema:
		record, ok := value.(map[string]interface{})
		if !ok {
			return nil, errors.NewViolation("expected a record, got %s", describe(value))
		}
		out := make(map[string]interface{}, len(record))
		for key, item := range record {
			fieldSchema, declared := t.Field(key)
			if !declared {
				return nil, errors.NewViolation("unexpected field %q", key)
			}
			revived, violation := revive(fieldSchema, item)
			if violation != nil {
				return nil, errors.NewViolation("invalid value for %q", key).Add(violation)
			}
			out[key] = revived
		}
		return out, t.Validate(out)
	case *UnionSchema:
		var causes []*errors.Violation
		for _, m := range t.Members() {
			revived, violation := revive(m, value)
			if violation == nil {
				return revived, nil
			}
			causes = append(causes, violation)
		}
		return nil, errors.NewViolation("no union member matched").Add(causes...)
	}
	return value, nil
}
