package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// commandClient pipes the prompt to a local executable and reads the reply
// from its stdout. The model name is exported as REACTOR_MODEL.
type commandClient struct {
	meter
	argv []string
}

func newCommand(cfg Config, m meter) (*commandClient, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, errors.New("command: no executable configured")
	}
	if m.model == "" {
		m.model = "command"
		if cfg.Pricing == nil {
			m.pricing = PricingFor("command")
		}
	}
	return &commandClient{meter: m, argv: append([]string(nil), cfg.Command...)}, nil
}

func (c *commandClient) Complete(ctx context.Context, prompt string) (Completion, error) {
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Env = append(os.Environ(), "REACTOR_MODEL="+c.model)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return Completion{}, callError("command", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}
	return c.complete(prompt, stdout.String(), 0, 0), nil
}
