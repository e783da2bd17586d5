package coordinator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Inventory answers whether the VM an agent runs on still exists. The
// match loop consults it after a failed liveness probe to decide
// between "offline, may come back" and "deleted".
type Inventory interface {
	Exists(ctx context.Context, agentName string) (bool, error)
}

// CLIInventory shells out to the platform CLI, which prints one VM
// identifier per line. An agent's VM is matched by name substring, the
// way the platform derives VM names from workload names.
type CLIInventory struct {
	command string
	log     *zap.Logger
}

func NewCLIInventory(command string, log *zap.Logger) *CLIInventory {
	return &CLIInventory{command: command, log: log}
}

func (c *CLIInventory) Exists(ctx context.Context, agentName string) (bool, error) {
	if c.command == "" {
		return false, fmt.Errorf("inventory: no command configured")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", c.command)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("inventory: %s: %w", c.command, err)
	}

	needle := strings.ToLower(agentName)
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		if strings.Contains(strings.ToLower(sc.Text()), needle) {
			return true, nil
		}
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Errorf("inventory: scan output: %w", err)
	}
	c.log.Debug("agent vm not in inventory", zap.String("agent", agentName))
	return false, nil
}
