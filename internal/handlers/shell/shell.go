package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"skillflow/internal/skill"
)

const ID = "shell.exec"

// Shell runs a local command. Allowed restricts which commands may run;
// an empty list allows any.
type Shell struct {
	Allowed []string
}

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func (h Shell) ID() string      { return ID }
func (h Shell) Version() string { return "1.0.0" }

func (h Shell) Validate(params skill.Params) error {
	_, err := h.decode(params)
	return err
}

func (h Shell) Execute(ctx context.Context, params skill.Params) (skill.Result, error) {
	c, err := h.decode(params)
	if err != nil {
		return skill.Result{}, err
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return skill.Result{}, fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return skill.Result{Success: true, Data: map[string]any{"output": string(out)}}, nil
}

func (h Shell) decode(params skill.Params) (Cmd, error) {
	var c Cmd
	raw, err := json.Marshal(params)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, err
	}
	if c.Command == "" {
		return c, fmt.Errorf("command is required")
	}
	if len(h.Allowed) > 0 {
		for _, a := range h.Allowed {
			if a == c.Command {
				return c, nil
			}
		}
		return c, fmt.Errorf("command %q is not allowed", c.Command)
	}
	return c, nil
}
