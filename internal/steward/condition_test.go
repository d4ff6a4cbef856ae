package steward

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionComparisons(t *testing.T) {
	program, err := compileCondition(`priority <= 2`)
	require.NoError(t, err)

	assert.True(t, runCondition(program, map[string]any{"priority": 1}))
	assert.False(t, runCondition(program, map[string]any{"priority": 5}))
	assert.False(t, runCondition(program, map[string]any{}))
}

func TestConditionStrictEqualityOperators(t *testing.T) {
	program, err := compileCondition(`status === "failed"`)
	require.NoError(t, err)
	assert.True(t, runCondition(program, map[string]any{"status": "failed"}))
	assert.False(t, runCondition(program, map[string]any{"status": "done"}))

	program, err = compileCondition(`kind !== "noise"`)
	require.NoError(t, err)
	assert.True(t, runCondition(program, map[string]any{"kind": "signal"}))
	assert.False(t, runCondition(program, map[string]any{"kind": "noise"}))
}

func TestConditionOptionalChaining(t *testing.T) {
	program, err := compileCondition(`task?.severity == "high"`)
	require.NoError(t, err)

	assert.True(t, runCondition(program, map[string]any{"task": map[string]any{"severity": "high"}}))
	assert.False(t, runCondition(program, map[string]any{"task": map[string]any{"severity": "low"}}))
	assert.False(t, runCondition(program, map[string]any{}))
	assert.False(t, runCondition(program, nil))
}

func TestConditionBooleanOperators(t *testing.T) {
	program, err := compileCondition(`count > 3 && source == "ci"`)
	require.NoError(t, err)

	assert.True(t, runCondition(program, map[string]any{"count": 5, "source": "ci"}))
	assert.False(t, runCondition(program, map[string]any{"count": 5, "source": "manual"}))
	assert.False(t, runCondition(program, map[string]any{"count": 1, "source": "ci"}))
}

func TestConditionDeepAccessOnMissingKeyIsFalse(t *testing.T) {
	program, err := compileCondition(`task.severity == "high"`)
	require.NoError(t, err)

	assert.False(t, runCondition(program, map[string]any{}))
	assert.True(t, runCondition(program, map[string]any{"task": map[string]any{"severity": "high"}}))
}

func TestConditionRejectsAssignment(t *testing.T) {
	_, err := compileCondition(`status = "done"`)
	assert.ErrorIs(t, err, errForbiddenCondition)
}

func TestConditionRejectsForbiddenIdentifiers(t *testing.T) {
	conditions := []string{
		`eval("1+1") == 2`,
		`process.env.PATH != ""`,
		`task.constructor != nil`,
		`__proto__ == nil`,
		`require("fs") != nil`,
		`globalThis.x == 1`,
		`window.location == "x"`,
	}
	for _, cond := range conditions {
		_, err := compileCondition(cond)
		assert.ErrorIs(t, err, errForbiddenCondition, "condition %q", cond)
	}
}

func TestConditionMalformedExpressionFailsCompile(t *testing.T) {
	_, err := compileCondition(`status ==`)
	assert.Error(t, err)

	_, err = compileCondition(`((`)
	assert.Error(t, err)
}

func TestConditionRejectsSequencing(t *testing.T) {
	conditions := []string{
		`task.status == "closed"; true`,
		`true; false`,
		`status == "done";`,
		`; true`,
	}
	for _, cond := range conditions {
		_, err := compileCondition(cond)
		assert.ErrorIs(t, err, errForbiddenCondition, "condition %q", cond)
	}
}

func TestConditionUnresolvedPlaceholdersFailCompile(t *testing.T) {
	_, err := compileCondition(`${task.status} == "closed"`)
	assert.Error(t, err)

	_, err = compileCondition(`{{.Status}} == "closed"`)
	assert.Error(t, err)

	// A placeholder already substituted into a string literal is plain data.
	program, err := compileCondition(`status == "closed"`)
	require.NoError(t, err)
	assert.True(t, runCondition(program, map[string]any{"status": "closed"}))
}

func TestConditionNilProgramIsFalse(t *testing.T) {
	assert.False(t, runCondition(nil, map[string]any{"x": 1}))
}
