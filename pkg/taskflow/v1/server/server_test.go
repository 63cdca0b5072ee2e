package server_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/otelconnect"
	"connectrpc.com/validate"
	"github.com/picatz/jose/pkg/header"
	"github.com/picatz/jose/pkg/jwa"
	"github.com/picatz/jose/pkg/jwk"
	"github.com/picatz/jose/pkg/jwt"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/testsuite"

	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	"github.com/picatz/taskflow/pkg/taskflow/v1/engine"
	"github.com/picatz/taskflow/pkg/taskflow/v1/server"
	"github.com/picatz/taskflow/pkg/taskflow/v1/tests"
	"github.com/picatz/taskflow/pkg/taskflow/v1/worker"
	"github.com/picatz/taskflow/pkg/taskflow/v1/workflow"
)

type testingLogger struct {
	t *testing.T
}

func renderKeyvals(keyvals ...any) string {
	result := ""
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 < len(keyvals) {
			result += fmt.Sprintf("%s=%v ", keyvals[i], keyvals[i+1])
		} else {
			result += fmt.Sprintf("%s=<missing> ", keyvals[i])
		}
	}
	return result
}

func (l *testingLogger) Debug(msg string, keyvals ...any) {
	l.t.Logf("DEBUG: %s %s", msg, renderKeyvals(keyvals...))
}

func (l *testingLogger) Info(msg string, keyvals ...any) {
	l.t.Logf("INFO: %s %v", msg, renderKeyvals(keyvals...))
}

func (l *testingLogger) Warn(msg string, keyvals ...any) {
	l.t.Logf("WARN: %s %v", msg, renderKeyvals(keyvals...))
}

func (l *testingLogger) Error(msg string, keyvals ...any) {
	l.t.Logf("ERROR: %s %v", msg, renderKeyvals(keyvals...))
}

type testServer struct {
	registry *v1.Registry
	url      string
	client   *server.Client
}

// newTestServer serves a taskflow server behind JWT authentication, returning
// a client that presents a valid token.
func newTestServer(t *testing.T, temporalClient client.Client) *testServer {
	t.Helper()

	logger, _ := test.NewNullLogger()
	reg, err := tests.Registry(logger)
	require.NoError(t, err)

	interceptor, err := validate.NewInterceptor()
	require.NoError(t, err)

	otelInterceptor, err := otelconnect.NewInterceptor()
	require.NoError(t, err)

	taskflowServer := server.New(reg, temporalClient, server.WithLogger(logger))

	mux := http.NewServeMux()
	mux.Handle(
		taskflowServer.Handler(
			connect.WithInterceptors(
				interceptor,
				otelInterceptor,
			),
		),
	)

	// Create a public/private key pair (ECDSA)
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	const keyID = "test-key"

	token, err := jwt.New(
		header.Parameters{
			header.Type:      jwt.Type,
			header.Algorithm: jwa.ES256,
		},
		jwt.ClaimsSet{
			jwt.Audience: "taskflow",
			jwt.IssuedAt: time.Now().Unix(),
			jwt.Subject:  "test-user",
			jwt.Issuer:   "taskflow-test",
			jwk.KeyID:    keyID,
		},
		private,
	)
	require.NoError(t, err)

	authMiddleware := server.NewJWTMiddleware(keyID, &private.PublicKey)

	httpServer := httptest.NewServer(authMiddleware.Wrap(mux))
	t.Cleanup(httpServer.Close)

	return &testServer{
		registry: reg,
		url:      httpServer.URL,
		client: server.NewClient(
			httpServer.Client(),
			httpServer.URL,
			connect.WithInterceptors(
				otelInterceptor,
				bearer(token.String()),
			),
		),
	}
}

func bearer(token string) connect.UnaryInterceptorFunc {
	return func(uf connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			req.Header().Set("Authorization", fmt.Sprintf("Bearer %s", token))
			return uf(ctx, req)
		}
	}
}

func TestDispatch(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		task   string
		inputs map[string]any
		check  func(t *testing.T, outputs v1.LiteralMap, err error)
	}{
		{
			name:   "echo",
			task:   "echo",
			inputs: map[string]any{"message": "hello world"},
			check: func(t *testing.T, outputs v1.LiteralMap, err error) {
				require.NoError(t, err)
				require.True(t, v1.NewLiteralMap(map[string]any{"result": "hello world"}).Equal(outputs), "got %v", outputs)
			},
		},
		{
			name:   "add",
			task:   "add",
			inputs: map[string]any{"x": 40, "y": 2},
			check: func(t *testing.T, outputs v1.LiteralMap, err error) {
				require.NoError(t, err)
				require.True(t, v1.NewLiteralMap(map[string]any{"sum": 42}).Equal(outputs), "got %v", outputs)
			},
		},
		{
			name:   "unknown task",
			task:   "shout",
			inputs: map[string]any{},
			check: func(t *testing.T, outputs v1.LiteralMap, err error) {
				require.Error(t, err)
				require.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
			},
		},
		{
			name:   "missing input",
			task:   "add",
			inputs: map[string]any{"x": 1},
			check: func(t *testing.T, outputs v1.LiteralMap, err error) {
				require.Error(t, err)
				require.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
				require.ErrorContains(t, err, `missing input: "y"`)
			},
		},
		{
			name:   "mistyped input",
			task:   "echo",
			inputs: map[string]any{"message": 1},
			check: func(t *testing.T, outputs v1.LiteralMap, err error) {
				require.Error(t, err)
				require.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			outputs, err := ts.client.Dispatch(t.Context(), test.task, v1.NewLiteralMap(test.inputs))
			test.check(t, outputs, err)
		})
	}
}

func TestRemoteTask(t *testing.T) {
	ts := newTestServer(t, nil)
	logger, _ := test.NewNullLogger()

	add, err := v1.NewRemoteTask("builtin", "add", v1.Interface{
		Inputs:  []v1.Param{v1.P[int64]("x"), v1.P[int64]("y")},
		Outputs: []v1.Param{v1.P[int64]("sum")},
	}, ts.client.Dispatch, v1.WithRegistry(v1.NewRegistry()), v1.WithLogger(logger))
	require.NoError(t, err)

	sum, err := add.Call(t.Context(), v1.In("x", int64(20)), v1.In("y", int64(22)))
	require.NoError(t, err)
	require.Equal(t, int64(42), sum)

	_, err = add.Call(t.Context(), int64(20), int64(22))
	require.ErrorIs(t, err, v1.ErrPositionalArgs)
}

func TestUnauthenticated(t *testing.T) {
	ts := newTestServer(t, nil)

	anonymous := server.NewClient(http.DefaultClient, ts.url)
	_, err := anonymous.Dispatch(t.Context(), "echo", v1.NewLiteralMap(map[string]any{"message": "hi"}))
	require.Error(t, err)
	require.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))

	forged := server.NewClient(http.DefaultClient, ts.url, connect.WithInterceptors(bearer("not-a-jwt")))
	_, err = forged.Dispatch(t.Context(), "echo", v1.NewLiteralMap(map[string]any{"message": "hi"}))
	require.Error(t, err)
	require.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
}

func TestRunWithoutTemporal(t *testing.T) {
	ts := newTestServer(t, nil)

	_, err := ts.client.Run(t.Context(), "simple", nil)
	require.Equal(t, connect.CodeUnimplemented, connect.CodeOf(err))

	_, err = ts.client.Get(t.Context(), "taskflow-workflow-1", "")
	require.Equal(t, connect.CodeUnimplemented, connect.CodeOf(err))
}

func TestTaskflowServerRun(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a Temporal dev server")
	}

	// $ temporal server start-dev
	devServer, err := testsuite.StartDevServer(t.Context(), testsuite.DevServerOptions{
		ClientOptions: &client.Options{
			Logger: &testingLogger{t: t},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = devServer.Stop() })

	ts := newTestServer(t, devServer.Client())

	// $ taskflow worker
	w := worker.New(devServer.Client(), engine.RunTaskQueueName, ts.registry)

	err = w.Start()
	require.NoError(t, err)
	t.Cleanup(w.Stop)

	for _, scenario := range tests.Scenarios {
		t.Run(scenario.Name, func(t *testing.T) {
			g, err := scenario.Graph(ts.registry)
			require.NoError(t, err)
			g.Name = scenario.Name

			_, err = workflow.FromGraph(g, workflow.WithRegistry(ts.registry))
			require.NoError(t, err)

			run, err := ts.client.Run(t.Context(), g.Name, scenario.InputLiterals())
			require.NoError(t, err)
			require.Equal(t, server.StatusRunning, run.Status)
			require.NotEmpty(t, run.WorkflowID)

			var status *server.RunStatus
			require.Eventually(t, func() bool {
				status, err = ts.client.Get(t.Context(), run.WorkflowID, run.RunID)
				return err == nil && status.Status != server.StatusRunning
			}, 30*time.Second, 100*time.Millisecond)

			require.Equal(t, server.StatusCompleted, status.Status, status.Error)
			require.Equal(t, run.RunID, status.RunID)
			expected := scenario.ExpectedLiterals()
			require.True(t, expected.Equal(status.Outputs), "expected %v, got %v", expected, status.Outputs)
		})
	}

	t.Run("unknown workflow", func(t *testing.T) {
		_, err := ts.client.Run(t.Context(), "missing", nil)
		require.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
	})

	t.Run("tasks are not workflows", func(t *testing.T) {
		_, err := ts.client.Run(t.Context(), "echo", nil)
		require.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
	})
}
