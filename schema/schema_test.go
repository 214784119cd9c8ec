package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalString(t *testing.T) {
	tests := []struct {
		name   string
		schema Schema
		want   string
	}{
		{name: "string", schema: String, want: "String"},
		{name: "number", schema: Number, want: "Number"},
		{name: "boolean", schema: Boolean, want: "Boolean"},
		{name: "bytes", schema: Bytes, want: "Bytes"},
		{name: "optional", schema: Optional(String), want: "String?"},
		{name: "array", schema: Array(Number), want: "Number[]"},
		{name: "optional array", schema: Optional(Array(String)), want: "String[]?"},
		{name: "union", schema: Union(String, Number), want: "String | Number"},
		{
			name:   "flattened union",
			schema: Union(Union(String, Number), Boolean),
			want:   "String | Number | Boolean",
		},
		{
			name: "record",
			schema: Record(
				Field{Name: "id", Schema: String},
				Field{Name: "count", Schema: Number},
			),
			want: "{\n  id: String\n  count: Number\n}",
		},
		{
			name: "nested record indents",
			schema: Record(
				Field{Name: "id", Schema: String},
				Field{Name: "meta", Schema: Record(
					Field{Name: "tags", Schema: Array(String)},
				)},
			),
			want: "{\n  id: String\n  meta: {\n    tags: String[]\n  }\n}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.schema.String())
		})
	}
}

func TestStringEqualityTracksStructure(t *testing.T) {
	a := Record(Field{Name: "id", Schema: String}, Field{Name: "n", Schema: Number})
	b := Record(Field{Name: "id", Schema: String}, Field{Name: "n", Schema: Number})
	c := Record(Field{Name: "n", Schema: Number}, Field{Name: "id", Schema: String})

	assert.Equal(t, a.String(), b.String())
	assert.NotEqual(t, a.String(), c.String())
}

func TestPrimitiveValidation(t *testing.T) {
	tests := []struct {
		name   string
		schema Schema
		value  interface{}
		ok     bool
	}{
		{name: "string ok", schema: String, value: "hello", ok: true},
		{name: "string wrong type", schema: String, value: 42, ok: false},
		{name: "number float", schema: Number, value: 4.2, ok: true},
		{name: "number int", schema: Number, value: 42, ok: true},
		{name: "number wrong type", schema: Number, value: "42", ok: false},
		{name: "boolean ok", schema: Boolean, value: true, ok: true},
		{name: "bytes ok", schema: Bytes, value: []byte{1, 2}, ok: true},
		{name: "bytes wrong type", schema: Bytes, value: "AQI=", ok: false},
		{name: "optional nil", schema: Optional(String), value: nil, ok: true},
		{name: "optional present", schema: Optional(String), value: "x", ok: true},
		{name: "optional wrong type", schema: Optional(String), value: 1, ok: false},
		{name: "union first", schema: Union(String, Number), value: "x", ok: true},
		{name: "union second", schema: Union(String, Number), value: 1, ok: true},
		{name: "union none", schema: Union(String, Number), value: true, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violation := tt.schema.Validate(tt.value)
			if tt.ok {
				assert.Nil(t, violation)
			} else {
				assert.NotNil(t, violation)
			}
		})
	}
}

func TestRecordValidation(t *testing.T) {
	user := Record(
		Field{Name: "id", Schema: String},
		Field{Name: "age", Schema: Number},
		Field{Name: "nickname", Schema: Optional(String)},
	)

	t.Run("valid", func(t *testing.T) {
		assert.Nil(t, user.Validate(map[string]interface{}{
			"id":  "u1",
			"age": 30,
		}))
	})

	t.Run("optional present as nil", func(t *testing.T) {
		assert.Nil(t, user.Validate(map[string]interface{}{
			"id":       "u1",
			"age":      30,
			"nickname": nil,
		}))
	})

	t.Run("not a record", func(t *testing.T) {
		violation := user.Validate("nope")
		require.NotNil(t, violation)
		assert.Contains(t, violation.Error(), "expected a record")
	})

	t.Run("single missing field propagates directly", func(t *testing.T) {
		violation := user.Validate(map[string]interface{}{"id": "u1"})
		require.NotNil(t, violation)
		assert.Equal(t, `missing required "age"`, violation.Description)
		assert.Empty(t, violation.Causes)
	})

	t.Run("multiple errors collect into a tree", func(t *testing.T) {
		violation := user.Validate(map[string]interface{}{
			"id":      42,
			"unknown": true,
		})
		require.NotNil(t, violation)
		assert.Len(t, violation.Causes, 3)
		rendered := violation.Error()
		assert.Contains(t, rendered, `invalid value for "id"`)
		assert.Contains(t, rendered, `missing required "age"`)
		assert.Contains(t, rendered, `unexpected field "unknown"`)
	})

	t.Run("nested field paths render with indent", func(t *testing.T) {
		nested := Record(
			Field{Name: "meta", Schema: Record(
				Field{Name: "tag", Schema: String},
			)},
		)
		violation := nested.Validate(map[string]interface{}{
			"meta": map[string]interface{}{"tag": 7},
		})
		require.NotNil(t, violation)
		lines := strings.Split(violation.Error(), "\n")
		require.Len(t, lines, 3)
		assert.True(t, strings.HasPrefix(lines[1], "  "))
		assert.True(t, strings.HasPrefix(lines[2], "    "))
	})
}

func TestArrayValidation(t *testing.T) {
	numbers := Array(Number)

	assert.Nil(t, numbers.Validate([]interface{}{1, 2.5, 3}))
	assert.NotNil(t, numbers.Validate("not an array"))

	violation := numbers.Validate([]interface{}{1, "two", true})
	require.NotNil(t, violation)
	assert.Len(t, violation.Causes, 2)
	assert.Contains(t, violation.Error(), "invalid element 1")
	assert.Contains(t, violation.Error(), "invalid element 2")
}

func TestRecordFieldOperations(t *testing.T) {
	base := Record(
		Field{Name: "id", Schema: String},
		Field{Name: "title", Schema: String},
	)

	t.Run("with fields appends", func(t *testing.T) {
		extended := base.WithFields(Field{Name: "count", Schema: Number})
		assert.Equal(t, "{\n  id: String\n  title: String\n  count: Number\n}", extended.String())
		// the original is untouched
		assert.Equal(t, "{\n  id: String\n  title: String\n}", base.String())
	})

	t.Run("with fields replaces in place", func(t *testing.T) {
		replaced := base.WithFields(Field{Name: "title", Schema: Optional(String)})
		assert.Equal(t, "{\n  id: String\n  title: String?\n}", replaced.String())
	})

	t.Run("without fields drops", func(t *testing.T) {
		stripped := base.WithoutFields("title")
		assert.Equal(t, "{\n  id: String\n}", stripped.String())
	})

	t.Run("optional fields wrap", func(t *testing.T) {
		optional := base.WithOptionalFields("title")
		assert.Equal(t, "{\n  id: String\n  title: String?\n}", optional.String())
	})
}

func TestRevive(t *testing.T) {
	t.Run("bytes round trip through base64", func(t *testing.T) {
		s := Record(Field{Name: "payload", Schema: Bytes})
		revived, err := Revive(s, map[string]interface{}{"payload": "AQID"})
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, revived.(map[string]interface{})["payload"])
	})

	t.Run("optional bytes absent", func(t *testing.T) {
		s := Record(Field{Name: "payload", Schema: Optional(Bytes)})
		revived, err := Revive(s, map[string]interface{}{})
		require.NoError(t, err)
		assert.Empty(t, revived.(map[string]interface{}))
	})

	t.Run("invalid value surfaces schema violation", func(t *testing.T) {
		s := Record(Field{Name: "n", Schema: Number})
		_, err := Revive(s, map[string]interface{}{"n": "NaN"})
		assert.Error(t, err)
	})
}
