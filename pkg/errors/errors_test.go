package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameworkErrorFormatting(t *testing.T) {
	err := MigratorFailure("a", "b", fmt.Errorf("boom"))
	assert.Equal(t, "MIGRATOR_FAILURE: Migration from a to b failed: boom", err.Error())
	assert.Equal(t, CodeMigratorFailure, CodeOf(err))
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Substrate("produce", cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, IsSubstrate(err))
}

func TestViolationTreeRendering(t *testing.T) {
	root := NewViolation("invalid record").Add(
		NewViolation(`missing required "age"`),
		NewViolation(`invalid value for "meta"`).Add(
			NewViolation("expected a String, got int"),
		),
	)

	want := "invalid record\n" +
		`  missing required "age"` + "\n" +
		`  invalid value for "meta"` + "\n" +
		"    expected a String, got int"
	assert.Equal(t, want, root.Error())
}

func TestViolationOrderPreserved(t *testing.T) {
	root := NewViolation("parent")
	for i := 0; i < 5; i++ {
		root.Add(NewViolation("cause %d", i))
	}
	for i, c := range root.Causes {
		assert.Equal(t, fmt.Sprintf("cause %d", i), c.Description)
	}
}

func TestSchemaViolationCarriesTree(t *testing.T) {
	tree := NewViolation("expected a Number, got string")
	err := SchemaViolation(tree)

	require.True(t, IsSchemaViolation(err))
	assert.Equal(t, tree, err.Details)
	assert.Equal(t, tree, err.Unwrap())
}

func TestPredicatesOnForeignErrors(t *testing.T) {
	err := fmt.Errorf("plain")
	assert.False(t, IsSchemaViolation(err))
	assert.False(t, IsCancelled(err))
	assert.Equal(t, CodeInternalError, CodeOf(err))
}

func TestCancelled(t *testing.T) {
	assert.True(t, IsCancelled(Cancelled("read model")))
}
