// Package container invokes the host's container runtime (docker or
// podman) to pull plugin images and build the arguments for running them.
package container

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/virelabs/toolhost/internal/errors"
)

// PullTimeout bounds a single image pull.
const PullTimeout = 5 * time.Minute

// runtimeCandidates are searched on PATH, in order, when no runtime
// binary is configured.
var runtimeCandidates = []string{"docker", "podman"}

// Discover locates the container runtime binary. An explicit binary name
// or path skips the PATH search.
func Discover(log *slog.Logger, explicit string) (string, error) {
	if explicit != "" {
		path, err := exec.LookPath(explicit)
		if err != nil {
			return "", fmt.Errorf("%w: %q not on PATH", errors.ErrRuntimeNotFound, explicit)
		}

		return path, nil
	}

	for _, name := range runtimeCandidates {
		if path, err := exec.LookPath(name); err == nil {
			log.Debug("Found container runtime", "binary", path)

			return path, nil
		}
	}

	return "", fmt.Errorf("%w: searched %v on PATH", errors.ErrRuntimeNotFound, runtimeCandidates)
}

// CLI invokes one container runtime binary.
type CLI struct {
	log    *slog.Logger
	binary string
}

// NewCLI creates a runtime wrapper around the given binary.
func NewCLI(log *slog.Logger, binary string) *CLI {
	return &CLI{
		log:    log.With("component", "container"),
		binary: binary,
	}
}

// Pull runs an image pull as a child process and awaits its exit code.
// A non-zero exit is returned as "pull failed with code N".
func (c *CLI) Pull(ctx context.Context, image string) error {
	ctx, cancel := context.WithTimeout(ctx, PullTimeout)
	defer cancel()

	c.log.Info("Pulling plugin image", "image", image)

	//nolint:gosec // G204: binary comes from runtime discovery, image from the provisioning request
	cmd := exec.CommandContext(ctx, c.binary, "pull", image)

	var stderr strings.Builder

	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := stderrors.AsType[*exec.ExitError](err); ok {
			c.log.Warn("Image pull failed",
				"image", image,
				"exit_code", exitErr.ExitCode(),
				"stderr", strings.TrimSpace(stderr.String()),
			)

			return fmt.Errorf("pull failed with code %d", exitErr.ExitCode())
		}

		return fmt.Errorf("run pull: %w", err)
	}

	c.log.Info("Image pulled", "image", image)

	return nil
}

// RunCommand builds the command line for launching a plugin container
// attached to its stdio. Environment entries are passed as -e flags in
// sorted key order.
func (c *CLI) RunCommand(image string, env map[string]string) (string, []string) {
	args := []string{"run", "--rm", "-i"}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}

	args = append(args, image)

	return c.binary, args
}
