package solver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrSolver matches every Error.
var ErrSolver = errors.New("solver failed")

// Error is a failed run of an external detection or solving tool.
type Error struct {
	Tool   string
	Err    error
	Output string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Tool, e.Err)
	if last := lastLine(e.Output); last != "" {
		msg += ": " + last
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrSolver }

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// Tools locates the external binaries and their configuration.
type Tools struct {
	SExtractor string
	Scamp      string
	ConfDir    string // holds sextractor/ and scamp/ configuration trees
	RefCatalog string // astrometric reference catalog
	Timeout    time.Duration
}

func (t Tools) sextractorConf() []string {
	if t.ConfDir == "" {
		return nil
	}
	dir := filepath.Join(t.ConfDir, "sextractor")
	return []string{
		"-c", filepath.Join(dir, "default.sex"),
		"-PARAMETERS_NAME", filepath.Join(dir, "default.param"),
		"-FILTER_NAME", filepath.Join(dir, "default.conv"),
		"-STARNNW_NAME", filepath.Join(dir, "default.nnw"),
	}
}

func (t Tools) scampConf() []string {
	var args []string
	if t.ConfDir != "" {
		args = append(args, "-c", filepath.Join(t.ConfDir, "scamp", "scamp.conf"))
	}
	if t.RefCatalog != "" {
		args = append(args, "-ASTREFCAT_NAME", t.RefCatalog)
	}
	return args
}

type execFunc func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// invoke runs a tool under the configured timeout and wraps failures.
func invoke(ctx context.Context, run execFunc, timeout time.Duration, dir, name string, args ...string) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := run(ctx, dir, name, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return &Error{Tool: filepath.Base(name), Err: err, Output: string(out)}
	}
	return nil
}
