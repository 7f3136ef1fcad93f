// Package shell executes a command from the job payload.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	var c Cmd
	if err := decode(payload, &c); err != nil {
		return nil, err
	}
	if c.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return map[string]any{"output": string(out)}, nil
}

func decode(payload map[string]any, dst any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
