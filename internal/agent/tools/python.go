package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/naolabs/nao-agent/internal/llm"
)

const (
	pythonTimeout   = 30 * time.Second
	pythonMaxOutput = 64 << 10
)

// executePythonTool runs a snippet through the probed python3 interpreter in
// an isolated temp directory. The last expression's value is printed by a
// small wrapper so it becomes the tool output.
type executePythonTool struct {
	python string
}

func (t *executePythonTool) Def() llm.ToolDef {
	return llm.ToolDef{
		Name:        "execute_python",
		Description: "Execute Python code and return the result. Useful for data transformations, calculations, string manipulation, and other programmatic tasks. The code should end with an expression whose value will be returned as the output.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"code": {"type": "string", "description": "The Python code to execute. The last expression is returned as the output."},
				"inputs": {"type": "object", "description": "Optional dictionary of input variables available to the code."}
			},
			"required": ["code"]
		}`),
	}
}

// pythonHarness evaluates the snippet the way a REPL would: all statements
// run, and the value of a trailing expression is serialized to stdout.
const pythonHarness = `
import ast, json, sys

src = sys.stdin.read()
inputs = json.loads(sys.argv[1]) if len(sys.argv) > 1 else {}
scope = dict(inputs)

tree = ast.parse(src)
result = None
if tree.body and isinstance(tree.body[-1], ast.Expr):
    last = ast.Expression(tree.body.pop(-1).value)
    exec(compile(tree, "<code>", "exec"), scope)
    result = eval(compile(last, "<code>", "eval"), scope)
else:
    exec(compile(tree, "<code>", "exec"), scope)

try:
    print(json.dumps(result))
except TypeError:
    print(json.dumps(repr(result)))
`

func (t *executePythonTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	code, err := requireString(args, "code")
	if err != nil {
		return nil, err
	}
	inputsJSON := []byte("{}")
	if inputs, ok := args["inputs"].(map[string]any); ok {
		if b, err := json.Marshal(inputs); err == nil {
			inputsJSON = b
		}
	}

	workDir, err := os.MkdirTemp("", "nao-python-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	ctx, cancel := context.WithTimeout(ctx, pythonTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.python, "-I", "-c", pythonHarness, string(inputsJSON))
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(code)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("python execution timed out after %s", pythonTimeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		if len(msg) > pythonMaxOutput {
			msg = msg[:pythonMaxOutput]
		}
		return nil, fmt.Errorf("python execution failed: %s", msg)
	}

	out := strings.TrimSpace(stdout.String())
	if len(out) > pythonMaxOutput {
		return nil, fmt.Errorf("python output too large (%d bytes)", len(out))
	}
	var value any
	if err := json.Unmarshal([]byte(out), &value); err != nil {
		value = out
	}
	return map[string]any{"output": value}, nil
}
