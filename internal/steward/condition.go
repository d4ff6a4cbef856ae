package steward

import (
	"errors"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Trigger conditions are pure expressions over the event payload:
// property access with optional chaining, comparisons, and boolean
// operators. They are compiled against an empty environment so nothing
// outside the payload is reachable, and a deny list rejects the
// identifiers and operators an expression must never contain.

var (
	// A bare = that is not part of ==, <=, >=, or != is an assignment.
	assignmentPattern = regexp.MustCompile(`(^|[^=!<>])=($|[^=])`)
	forbiddenPattern  = regexp.MustCompile(`(?i)\b(eval|function|constructor|prototype|__proto__|process|require|import|globalthis|window)\b`)
)

var errForbiddenCondition = errors.New("condition uses a forbidden construct")

// compileCondition builds an executable program from a trigger condition.
// A condition is a single expression; a semicolon sequences several, so
// its presence is always hostile.
func compileCondition(condition string) (*vm.Program, error) {
	if strings.ContainsRune(condition, ';') ||
		forbiddenPattern.MatchString(condition) ||
		assignmentPattern.MatchString(condition) {
		return nil, errForbiddenCondition
	}
	src := normalizeCondition(condition)
	return expr.Compile(src,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
}

// normalizeCondition maps strict equality operators onto their plain
// forms so conditions written for the previous trigger syntax keep
// working. The assignment guard has already run, so every remaining =
// belongs to a comparison.
func normalizeCondition(condition string) string {
	condition = strings.ReplaceAll(condition, "===", "==")
	condition = strings.ReplaceAll(condition, "!==", "!=")
	return condition
}

// runCondition evaluates a compiled condition against the payload. A
// missing program, an evaluation error, or a non-boolean result all
// evaluate to false.
func runCondition(program *vm.Program, payload map[string]any) bool {
	if program == nil {
		return false
	}
	if payload == nil {
		payload = map[string]any{}
	}
	out, err := expr.Run(program, payload)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}
