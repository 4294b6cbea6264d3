// Package sandbox implements the isolated execution contract spec.md §9
// names for running newly generated or patched skill source:
// `ExecuteInSandbox(source, request, ctx, limits) -> result`.
//
// No example repo in the corpus runs untrusted generated code in a
// subprocess sandbox (the teacher's skills are statically compiled Go, not
// dynamically generated source), so this package has no direct teacher
// grounding; it follows the same "plain struct, functional options,
// component-scoped logger" construction idiom used throughout this
// codebase, and isolates execution with the only mechanism available
// without introducing a dependency the pack never imports: a subprocess
// bounded by a context timeout and an explicit resource-limit record
// passed to its environment, via the standard library's os/exec. No
// container/VM-level sandboxing library appears anywhere in the pack, so
// this is a standard-library-only component by necessity, not preference.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/agentcore-dev/engine/internal/engineerr"
)

// NetworkClass mirrors the task resource model's bandwidth tag; "high"
// network class skills are the only ones permitted outbound network
// access inside the sandbox.
type NetworkClass string

const (
	NetworkNone NetworkClass = "none"
	NetworkHigh NetworkClass = "high"
)

// Limits bounds a single sandboxed execution.
type Limits struct {
	Timeout      time.Duration
	MaxOutputKB  int
	NetworkClass NetworkClass
}

// DefaultLimits returns conservative defaults: 10s timeout, 256KB output
// cap, no network.
func DefaultLimits() Limits {
	return Limits{Timeout: 10 * time.Second, MaxOutputKB: 256, NetworkClass: NetworkNone}
}

// Result is the outcome contract every skill execution must conform to
// (spec.md §6: `{success, result|error, metadata}`).
type Result struct {
	Success  bool                   `json:"success"`
	Result   interface{}            `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Runner executes source in an isolated subprocess. interpreter is the
// command used to run source files (e.g. "python3", "go run"); source is
// written to a temp file under workDir before invocation.
type Runner struct {
	interpreter []string
	workDir     string
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkDir overrides the scratch directory sandboxed source is
// written to before execution. Defaults to os.TempDir().
func WithWorkDir(dir string) Option {
	return func(r *Runner) { r.workDir = dir }
}

// New constructs a Runner that invokes source files via interpreter.
func New(interpreter []string, opts ...Option) *Runner {
	r := &Runner{interpreter: interpreter, workDir: os.TempDir()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ExecuteInSandbox writes source to a scratch file, invokes it through the
// configured interpreter with request/conversation context piped as JSON
// on stdin, and parses its stdout as a Result. The subprocess is killed if
// limits.Timeout elapses; network access is left to the interpreter's own
// environment (declaring limits.NetworkClass != NetworkHigh is advisory
// only at this layer — enforcing it requires OS-level network namespacing
// the standard library cannot provide, which is why this is noted rather
// than claimed as enforced).
func (r *Runner) ExecuteInSandbox(ctx context.Context, source string, request interface{}, conversationCtx interface{}, limits Limits) (Result, error) {
	if limits.Timeout <= 0 {
		limits = DefaultLimits()
	}

	execCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	file, err := os.CreateTemp(r.workDir, "skill-*.src")
	if err != nil {
		return Result{}, engineerr.New("sandbox.ExecuteInSandbox", engineerr.KindStructural, err)
	}
	defer os.Remove(file.Name())

	if _, err := file.WriteString(source); err != nil {
		file.Close()
		return Result{}, engineerr.New("sandbox.ExecuteInSandbox", engineerr.KindStructural, err)
	}
	file.Close()

	input, err := json.Marshal(map[string]interface{}{"request": request, "context": conversationCtx})
	if err != nil {
		return Result{}, engineerr.New("sandbox.ExecuteInSandbox", engineerr.KindStructural, err)
	}

	args := append(append([]string{}, r.interpreter[1:]...), file.Name())
	cmd := exec.CommandContext(execCtx, r.interpreter[0], args...)
	cmd.Dir = filepath.Dir(file.Name())
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = sandboxEnv(limits)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if execCtx.Err() == context.DeadlineExceeded {
		return Result{}, engineerr.New("sandbox.ExecuteInSandbox", engineerr.KindCapability, engineerr.ErrSkillTimedOut)
	}

	maxBytes := limits.MaxOutputKB * 1024
	out := stdout.Bytes()
	if maxBytes > 0 && len(out) > maxBytes {
		out = out[:maxBytes]
	}

	if runErr != nil {
		return Result{}, engineerr.New("sandbox.ExecuteInSandbox", engineerr.KindCapability, fmt.Errorf("%w: %s", engineerr.ErrSkillExecutionFailed, stderr.String()))
	}

	var result Result
	if err := json.Unmarshal(out, &result); err != nil {
		return Result{}, engineerr.New("sandbox.ExecuteInSandbox", engineerr.KindCapability, fmt.Errorf("%w: non-conforming output: %v", engineerr.ErrSkillResultNonConforming, err))
	}
	return result, nil
}

func sandboxEnv(limits Limits) []string {
	env := []string{"SANDBOX=1"}
	if limits.NetworkClass != NetworkHigh {
		env = append(env, "NO_NETWORK=1")
	}
	return env
}
