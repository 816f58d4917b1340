package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/openfroyo/goalflow/pkg/goal"
)

// DefaultHooksDir is where hooks live, relative to the project directory.
const DefaultHooksDir = ".goalflow/hooks"

// hookPath returns <project>/<hooksDir>/<phase>-<goal>.
func hookPath(projectDir, hooksDir, phase, name string) string {
	if hooksDir == "" {
		hooksDir = DefaultHooksDir
	}
	if !filepath.IsAbs(hooksDir) {
		hooksDir = filepath.Join(projectDir, hooksDir)
	}
	return filepath.Join(hooksDir, phase+"-"+name)
}

// runHook runs the phase hook of the goal if it exists. Hooks without the
// executable bit are run with sh.
func (d *Dispatcher) runHook(ctx context.Context, inv *Invocation, phase string) error {
	path := hookPath(inv.Push.ProjectDir, d.opts.HooksDir, phase, inv.Goal.Name())
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return goal.NewTransientIOError(fmt.Sprintf("failed to stat %s hook", phase), err).
			WithOperation("hook." + phase)
	}
	if info.IsDir() {
		return nil
	}

	var cmd *exec.Cmd
	if info.Mode()&0o111 != 0 {
		cmd = exec.CommandContext(ctx, path)
	} else {
		cmd = exec.CommandContext(ctx, "sh", path)
	}
	cmd.Dir = inv.Push.ProjectDir
	cmd.Env = append(os.Environ(), inv.Env()...)
	cmd.Stdout = inv.Log
	cmd.Stderr = inv.Log

	fmt.Fprintf(inv.Log, "Running %s hook %s\n", phase, path)
	inv.Logger.Debug().Str("hook", path).Msg("Running hook")

	res, err := commandResult(ctx, cmd.Run())
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return goal.NewExecutionError(
			fmt.Sprintf("%s hook exited with code %d", phase, res.ExitCode), nil,
		).WithCode(goal.ErrCodeHookFailed).WithOperation("hook." + phase).WithDetail("hook", path)
	}
	return nil
}
