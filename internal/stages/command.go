package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/scenepipe/internal/ir"
)

// stderrTail bounds how much of a failing command's stderr ends up in the
// recorded cause.
const stderrTail = 512

// argRef matches a ${name} reference. Bare $name is left for the program.
var argRef = regexp.MustCompile(`\$\{(\w+)\}`)

// waitDelay bounds how long a killed command's orphaned children may keep
// its output pipes open.
const waitDelay = 2 * time.Second

// CommandSpec describes an external program run for each activity.
//
// Every argv element and env entry is expanded with ${name} references:
// scene_id, collection_id, activity_type, scene_type, and any activity arg.
// A JSON object printed on stdout becomes the activity's output args.
type CommandSpec struct {
	Argv    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	// OfflineExitCodes are exit statuses meaning the input scene is not
	// available yet. They map to TemporarilyUnavailable.
	OfflineExitCodes []int
}

// CommandBody runs a CommandSpec against each activity.
type CommandBody struct {
	spec   CommandSpec
	logger *slog.Logger
}

// NewCommandBody validates spec and returns a body for it.
func NewCommandBody(spec CommandSpec, opts ...Option) (*CommandBody, error) {
	if len(spec.Argv) == 0 || strings.TrimSpace(spec.Argv[0]) == "" {
		return nil, ir.Misconfigured("command stage needs a program")
	}
	if spec.Timeout < 0 {
		return nil, ir.Misconfigured("command timeout must not be negative")
	}
	o := newOptions("command", opts)
	return &CommandBody{spec: spec, logger: o.logger.With("program", spec.Argv[0])}, nil
}

// Run implements engine.Body.
func (b *CommandBody) Run(ctx context.Context, act ir.Activity) (ir.Args, error) {
	vars := commandVars(act)
	var missing []string
	lookup := func(name string) string {
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
		}
		return v
	}

	argv := make([]string, len(b.spec.Argv))
	for i, a := range b.spec.Argv {
		argv[i] = expandRefs(a, lookup)
	}
	env := os.Environ()
	for _, e := range b.spec.Env {
		env = append(env, expandRefs(e, lookup))
	}
	env = append(env,
		"SCENEPIPE_SCENE_ID="+act.SceneID,
		"SCENEPIPE_COLLECTION_ID="+strconv.FormatInt(act.CollectionID, 10),
		"SCENEPIPE_ACTIVITY_TYPE="+act.Type.String(),
	)
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, ir.Invalid("command references unknown args %s", strings.Join(slices.Compact(missing), ", "))
	}

	if b.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.spec.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = b.spec.Dir
	cmd.Env = env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	b.logger.Debug("command finished", "scene_id", act.SceneID, "duration", time.Since(start), "error", err)
	if err != nil {
		return nil, b.classify(ctx, act, err, stderr.String())
	}
	return parseOutput(stdout.Bytes())
}

// expandRefs replaces every ${name} in s with lookup(name).
func expandRefs(s string, lookup func(string) string) string {
	return argRef.ReplaceAllStringFunc(s, func(ref string) string {
		return lookup(ref[2 : len(ref)-1])
	})
}

func (b *CommandBody) classify(ctx context.Context, act ir.Activity, err error, stderr string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ir.Failed(fmt.Sprintf("%s timed out after %s", b.spec.Argv[0], b.spec.Timeout), err)
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ir.Misconfigured("start %s: %v", b.spec.Argv[0], err)
	}
	code := exitErr.ExitCode()
	if slices.Contains(b.spec.OfflineExitCodes, code) {
		return ir.Offline(act.SceneID, err)
	}
	msg := fmt.Sprintf("%s exited with status %d", b.spec.Argv[0], code)
	if tail := lastBytes(strings.TrimSpace(stderr), stderrTail); tail != "" {
		msg += ": " + tail
	}
	return ir.Failed(msg, err)
}

func commandVars(act ir.Activity) map[string]string {
	vars := make(map[string]string, len(act.Args)+4)
	for k, v := range act.Args {
		vars[k] = argString(v)
	}
	vars["scene_id"] = act.SceneID
	vars["collection_id"] = strconv.FormatInt(act.CollectionID, 10)
	vars["activity_type"] = act.Type.String()
	vars["scene_type"] = act.SceneType
	return vars
}

func argString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool, int, int64, float64:
		return fmt.Sprint(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// parseOutput reads a JSON object from stdout. Anything else, including
// empty output, yields no args.
func parseOutput(stdout []byte) (ir.Args, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var out ir.Args
	if err := dec.Decode(&out); err != nil {
		return nil, ir.Failed("decode command output", err)
	}
	return out, nil
}

func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
