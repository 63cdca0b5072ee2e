// Package library provides the built-in tasks every taskflow process
// registers: echo, printf, add, http and cel.
package library

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
	"github.com/google/cel-go/interpreter"
	"github.com/sirupsen/logrus"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
)

// TaskType is the type of every built-in task.
const TaskType = "builtin"

// DefaultCELLibs are the CEL extension libraries enabled for the "cel" task.
var DefaultCELLibs = []string{"math", "strings", "lists", "sets", "encoders"}

type options struct {
	httpClient *http.Client
	logger     logrus.FieldLogger
	celLibs    []string
}

// Option configures the built-in task library.
type Option func(*options)

// WithHTTPClient sets the client used by the "http" task.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLogger sets the logger given to every built-in task.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithCELLibs sets the extension libraries of the "cel" task.
func WithCELLibs(libs ...string) Option {
	return func(o *options) { o.celLibs = libs }
}

// Register creates the built-in tasks in reg.
func Register(reg *v1.Registry, opts ...Option) ([]*v1.Task, error) {
	o := &options{
		httpClient: http.DefaultClient,
		logger:     logrus.StandardLogger(),
		celLibs:    DefaultCELLibs,
	}
	for _, opt := range opts {
		opt(o)
	}
	taskOpts := []v1.Option{v1.WithRegistry(reg), v1.WithLogger(o.logger)}

	echo, err := v1.NewExecutableTask(TaskType, "echo", v1.Interface{
		Inputs:  []v1.Param{v1.P[string]("message")},
		Outputs: []v1.Param{v1.P[string]("result")},
	}, taskFuncEcho, taskOpts...)
	if err != nil {
		return nil, err
	}

	printf, err := v1.NewExecutableTask(TaskType, "printf", v1.Interface{
		Inputs:  []v1.Param{v1.P[string]("format"), v1.P[[]any]("args")},
		Outputs: []v1.Param{v1.P[string]("result")},
	}, taskFuncPrintf, taskOpts...)
	if err != nil {
		return nil, err
	}

	add, err := v1.NewExecutableTask(TaskType, "add", v1.Interface{
		Inputs:  []v1.Param{v1.P[int]("x"), v1.P[int]("y")},
		Outputs: []v1.Param{v1.P[int]("sum")},
	}, taskFuncAdd, taskOpts...)
	if err != nil {
		return nil, err
	}

	httpTask, err := v1.NewExecutableTask(TaskType, "http", v1.Interface{
		Inputs:  []v1.Param{v1.P[string]("url"), v1.P[string]("method"), v1.P[string]("body")},
		Outputs: []v1.Param{v1.P[int]("status_code"), v1.P[string]("body")},
	}, taskFuncHTTP(o.httpClient), taskOpts...)
	if err != nil {
		return nil, err
	}

	celTask, err := NewCELTask("cel", o.celLibs, taskOpts...)
	if err != nil {
		return nil, err
	}

	return []*v1.Task{echo, printf, add, httpTask, celTask}, nil
}

func taskFuncEcho(ctx context.Context, inputs map[string]any) (any, error) {
	return inputs["message"], nil
}

func taskFuncPrintf(ctx context.Context, inputs map[string]any) (any, error) {
	args, _ := inputs["args"].([]any)
	return fmt.Sprintf(inputs["format"].(string), args...), nil
}

func taskFuncAdd(ctx context.Context, inputs map[string]any) (any, error) {
	return inputs["x"].(int) + inputs["y"].(int), nil
}

var httpMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

func taskFuncHTTP(httpClient *http.Client) v1.ExecuteFunc {
	return func(ctx context.Context, inputs map[string]any) (any, error) {
		method := strings.ToUpper(inputs["method"].(string))
		if method == "" {
			method = http.MethodGet
		}
		if !httpMethods[method] {
			return nil, fmt.Errorf("invalid http task inputs: unsupported method %q", method)
		}
		u, err := url.Parse(inputs["url"].(string))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid http task inputs: url %q must be an absolute http(s) URL", inputs["url"])
		}

		var body io.Reader
		if b := inputs["body"].(string); b != "" {
			body = strings.NewReader(b)
		}

		httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP request: %w", err)
		}

		httpResp, err := httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer httpResp.Body.Close()
		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			return nil, fmt.Errorf("HTTP request failed with status code %d", httpResp.StatusCode)
		}
		respBody, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read HTTP response body: %w", err)
		}
		return v1.Tuple{httpResp.StatusCode, string(respBody)}, nil
	}
}

// NewCELTask returns a task that evaluates a CEL expression over the "vars"
// input, with the given extension libraries enabled. The libraries are part
// of the task's registerable template.
func NewCELTask(name string, libs []string, opts ...v1.Option) (*v1.Task, error) {
	envOpts, err := celLibs(libs)
	if err != nil {
		return nil, err
	}
	env, err := cel.NewEnv(append(envOpts, cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)))...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	custom := v1.WithCustom(func(ctx context.Context, settings v1.RegistrationSettings) map[string]any {
		names := make([]any, len(libs))
		for i, lib := range libs {
			names[i] = lib
		}
		return map[string]any{"libs": names}
	})
	return v1.NewExecutableTask(TaskType, name, v1.Interface{
		Inputs:  []v1.Param{v1.P[string]("expr"), v1.P[map[string]any]("vars")},
		Outputs: []v1.Param{v1.P[any]("result")},
	}, taskFuncCEL(env), append(opts, custom)...)
}

func celLibs(libs []string) ([]cel.EnvOption, error) {
	var envOpts []cel.EnvOption
	for _, name := range libs {
		switch strings.ToLower(name) {
		case "math":
			envOpts = append(envOpts, ext.Math())
		case "strings":
			envOpts = append(envOpts, ext.Strings())
		case "lists":
			envOpts = append(envOpts, ext.Lists())
		case "sets":
			envOpts = append(envOpts, ext.Sets())
		case "encoders":
			envOpts = append(envOpts, ext.Encoders())
		case "protos":
			envOpts = append(envOpts, ext.Protos())
		case "bindings":
			envOpts = append(envOpts, ext.Bindings())
		case "comprehensions":
			envOpts = append(envOpts, ext.TwoVarComprehensions())
		case "regex":
			envOpts = append(envOpts, cel.OptionalTypes(), ext.Regex())
		case "optional":
			envOpts = append(envOpts, cel.OptionalTypes())
		default:
			return nil, fmt.Errorf("unknown CEL extension library %q", name)
		}
	}
	return envOpts, nil
}

// taskFuncCEL evaluates expressions in env, which is shared by every call.
func taskFuncCEL(env *cel.Env) v1.ExecuteFunc {
	return func(ctx context.Context, inputs map[string]any) (any, error) {
		ast, issues := env.Compile(inputs["expr"].(string))
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to parse CEL expression: %w", issues.Err())
		}

		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to compile CEL expression: %w", err)
		}

		vars, _ := inputs["vars"].(map[string]any)
		if vars == nil {
			vars = map[string]any{}
		}
		act, err := interpreter.NewActivation(map[string]any{"vars": vars})
		if err != nil {
			return nil, fmt.Errorf("failed to create activation: %w", err)
		}

		out, _, err := prg.ContextEval(ctx, act)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate CEL expression: %w", err)
		}

		lit, err := cel.RefValueToValue(out)
		if err != nil {
			return nil, fmt.Errorf("failed to convert CEL value: %w", err)
		}
		return v1.LiteralToAny(lit)
	}
}
