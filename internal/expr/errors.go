package expr

import "fmt"

// EvaluationError is raised for an unknown identifier or any other
// evaluation failure (parse error, type mismatch, arity mismatch).
type EvaluationError struct {
	Msg string
}

func (e *EvaluationError) Error() string { return e.Msg }

func unknownVariableError(name string) *EvaluationError {
	return &EvaluationError{Msg: fmt.Sprintf("Unknown variable in rule: %s", name)}
}

func calculationError(cause error) *EvaluationError {
	return &EvaluationError{Msg: fmt.Sprintf("Calculation error: %s", cause)}
}

func calculationErrorf(format string, args ...any) *EvaluationError {
	return &EvaluationError{Msg: fmt.Sprintf("Calculation error: %s", fmt.Sprintf(format, args...))}
}
