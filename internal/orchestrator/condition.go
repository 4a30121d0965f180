package orchestrator

import (
	"fmt"
	"strings"

	"skillflow/internal/domain"
)

type condOp string

const (
	condAlways  condOp = "always"
	condNever   condOp = "never"
	condSuccess condOp = "success"
	condFailure condOp = "failure"
	condExists  condOp = "exists"
)

// condition is a step guard. Accepted forms are "" and "always", "never",
// "success:<step>", "failure:<step>" and "exists:<step>", optionally
// prefixed with "!" to negate.
type condition struct {
	op     condOp
	step   string
	negate bool
}

func parseCondition(s string) (condition, error) {
	s = strings.TrimSpace(s)
	var c condition
	if strings.HasPrefix(s, "!") {
		c.negate = true
		s = strings.TrimSpace(s[1:])
	}
	if s == "" || s == string(condAlways) {
		c.op = condAlways
		return c, nil
	}
	if s == string(condNever) {
		c.op = condNever
		return c, nil
	}
	op, step, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(step) == "" {
		return c, fmt.Errorf("unsupported condition %q", s)
	}
	switch condOp(op) {
	case condSuccess, condFailure, condExists:
	default:
		return c, fmt.Errorf("unsupported condition operator %q", op)
	}
	c.op = condOp(op)
	c.step = strings.TrimSpace(step)
	return c, nil
}

func (c condition) eval(results map[string]domain.TaskResult, errs map[string]string) bool {
	var v bool
	switch c.op {
	case condAlways:
		v = true
	case condNever:
		v = false
	case condSuccess:
		_, v = results[c.step]
	case condFailure:
		_, v = errs[c.step]
	case condExists:
		_, ok1 := results[c.step]
		_, ok2 := errs[c.step]
		v = ok1 || ok2
	}
	if c.negate {
		return !v
	}
	return v
}
