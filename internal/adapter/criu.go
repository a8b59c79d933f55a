package adapter

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// requiredCheckpointImages are the image files spec.md §6 requires to be
// present in the workspace after a successful dump.
var requiredCheckpointImages = []string{"core-1.img", "inventory.img"}

// CRIUCheckpointer shells the configured checkpoint tool (CRIU by
// convention, hence the name) over a RemoteCommander. It treats the tool as
// an opaque CLI: dump/restore/check/--version, matching spec.md §6's
// "Checkpoint tool" contract exactly.
type CRIUCheckpointer struct {
	commander RemoteCommander
	toolPath  string
}

// NewCRIUCheckpointer builds a Checkpointer that invokes toolPath (e.g.
// "criu" or an absolute path) over commander.
func NewCRIUCheckpointer(commander RemoteCommander, toolPath string) *CRIUCheckpointer {
	if toolPath == "" {
		toolPath = "criu"
	}
	return &CRIUCheckpointer{commander: commander, toolPath: toolPath}
}

// Dump freezes pid on host, writing images into workspace, then validates
// that the two required image files landed there.
func (c *CRIUCheckpointer) Dump(ctx context.Context, host string, pid int, workspace string) error {
	cmd := fmt.Sprintf("%s dump -t %d -D %s --shell-job", c.toolPath, pid, workspace)
	if _, err := c.commander.Run(ctx, host, cmd); err != nil {
		return fmt.Errorf("adapter: checkpoint dump failed: %w", err)
	}
	return c.verifyImages(ctx, host, workspace)
}

// Restore re-executes a previously dumped process from workspace on host.
func (c *CRIUCheckpointer) Restore(ctx context.Context, host, workspace string) error {
	cmd := fmt.Sprintf("%s restore -D %s --shell-job -d", c.toolPath, workspace)
	if _, err := c.commander.Run(ctx, host, cmd); err != nil {
		return fmt.Errorf("adapter: checkpoint restore failed: %w", err)
	}
	return nil
}

// HealthCheck verifies the tool is installed and reports healthy on host via
// `check` and `--version`.
func (c *CRIUCheckpointer) HealthCheck(ctx context.Context, host string) error {
	if _, err := c.commander.Run(ctx, host, c.toolPath+" --version"); err != nil {
		return fmt.Errorf("adapter: checkpointer not installed on %s: %w", host, err)
	}
	if _, err := c.commander.Run(ctx, host, c.toolPath+" check"); err != nil {
		return fmt.Errorf("adapter: checkpointer unhealthy on %s: %w", host, err)
	}
	return nil
}

// verifyImages confirms requiredCheckpointImages are present in workspace by
// listing it and checking for each expected filename.
func (c *CRIUCheckpointer) verifyImages(ctx context.Context, host, workspace string) error {
	out, err := c.commander.Run(ctx, host, "ls -1 "+workspace)
	if err != nil {
		return fmt.Errorf("adapter: failed to list workspace %s: %w", workspace, err)
	}

	present := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		present[strings.TrimSpace(path.Base(line))] = true
	}

	for _, want := range requiredCheckpointImages {
		if !present[want] {
			return fmt.Errorf("%w: %s missing from %s", ErrCheckpointInvalid, want, workspace)
		}
	}
	return nil
}
