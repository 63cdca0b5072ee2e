package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"connectrpc.com/authn"
	"connectrpc.com/connect"
	"connectrpc.com/otelconnect"
	"connectrpc.com/validate"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/picatz/taskflow/internal/config"
	v1 "github.com/picatz/taskflow/pkg/taskflow/v1"
	"github.com/picatz/taskflow/pkg/taskflow/v1/flowfile"
	"github.com/picatz/taskflow/pkg/taskflow/v1/flowfile/lsp"
	"github.com/picatz/taskflow/pkg/taskflow/v1/graph"
	"github.com/picatz/taskflow/pkg/taskflow/v1/library"
	"github.com/picatz/taskflow/pkg/taskflow/v1/server"
	"github.com/picatz/taskflow/pkg/taskflow/v1/worker"
	"github.com/picatz/taskflow/pkg/taskflow/v1/workflow"
)

// Set by the build system, e.g. using -ldflags="-X main.version=1.0.0"
var version = "dev"

// cli holds the state shared by the sub-commands, set up before any of them
// runs.
type cli struct {
	configFile         string
	verbose            bool
	maxConcurrentTasks int

	cfg      *config.Config
	logger   *logrus.Logger
	registry *v1.Registry
}

func (c *cli) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.configFile)
	if err != nil {
		return err
	}
	if c.verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	logger.SetOutput(cmd.ErrOrStderr())

	registry := v1.NewRegistry()
	if _, err := library.Register(registry, library.WithLogger(logger)); err != nil {
		return fmt.Errorf("error registering task library: %w", err)
	}

	c.cfg = cfg
	c.logger = logger
	c.registry = registry
	return nil
}

// dialTemporal creates a Temporal client using the configured address and
// namespace.
func (c *cli) dialTemporal() (client.Client, error) {
	tc, err := client.Dial(client.Options{
		HostPort:  c.cfg.Temporal.Address,
		Namespace: c.cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return tc, nil
}

// loadFlowfile reads and validates a flowfile against the task library.
func (c *cli) loadFlowfile(path string) (*graph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading flowfile: %w", err)
	}
	g, err := flowfile.Load(data, c.registry)
	if err != nil {
		return nil, fmt.Errorf("error parsing flowfile %s: %w", path, err)
	}
	return g, nil
}

// registerFlowfiles makes the workflows of the given flowfiles runnable by
// name.
func (c *cli) registerFlowfiles(paths []string) error {
	for _, path := range paths {
		g, err := c.loadFlowfile(path)
		if err != nil {
			return err
		}
		if _, err := workflow.FromGraph(g, workflow.WithRegistry(c.registry), workflow.WithLogger(c.logger)); err != nil {
			return err
		}
		c.logger.WithFields(logrus.Fields{"workflow": g.Name, "path": path}).Info("registered workflow")
	}
	return nil
}

type inputFlags struct {
	file  string
	pairs []string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "inputs", "f", "", "YAML file of input values")
	cmd.Flags().StringArrayVarP(&f.pairs, "input", "i", nil, "input value as name=value, decoded as YAML (repeatable)")
}

func (f *inputFlags) literals(iface *v1.TypedInterface) (v1.LiteralMap, error) {
	var data []byte
	if f.file != "" {
		var err error
		data, err = os.ReadFile(f.file)
		if err != nil {
			return nil, fmt.Errorf("error reading inputs file: %w", err)
		}
	}
	return flowfile.Inputs(iface, data, f.pairs...)
}

func writeLiterals(cmd *cobra.Command, literals v1.LiteralMap) error {
	b, err := protojson.Marshal(literals.ToProto())
	if err != nil {
		return fmt.Errorf("error marshaling result to JSON: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}

// runRegister prints the registerable templates of the task library, and the
// canonical form of any flowfiles given.
func (c *cli) runRegister(cmd *cobra.Command, args []string) error {
	ctx := v1.WithContext(cmd.Context(), &v1.Context{Registration: c.cfg.RegistrationSettings()})

	var docs []string
	for _, task := range c.registry.Tasks() {
		b, err := flowfile.MarshalTaskTemplate(task.RegisterableEntity(ctx))
		if err != nil {
			return fmt.Errorf("error marshaling task %q: %w", task.Name(), err)
		}
		docs = append(docs, string(b))
	}
	for _, path := range args {
		g, err := c.loadFlowfile(path)
		if err != nil {
			return err
		}
		b, err := flowfile.Marshal(g)
		if err != nil {
			return fmt.Errorf("error marshaling flowfile %s: %w", path, err)
		}
		docs = append(docs, string(b))
	}
	fmt.Fprint(cmd.OutOrStdout(), strings.Join(docs, "---\n"))
	return nil
}

// runExecute dispatches a single task of the library in-process.
func (c *cli) runExecute(inputs *inputFlags) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		task, err := c.registry.Task(args[0])
		if err != nil {
			return err
		}
		literals, err := inputs.literals(task.Interface())
		if err != nil {
			return err
		}
		outputs, err := task.Dispatch(cmd.Context(), literals)
		if err != nil {
			return fmt.Errorf("error executing task %q: %w", task.Name(), err)
		}
		return writeLiterals(cmd, outputs)
	}
}

// runLocal runs a flowfile in-process, without Temporal or a server.
func (c *cli) runLocal(inputs *inputFlags) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		g, err := c.loadFlowfile(args[0])
		if err != nil {
			return err
		}
		literals, err := inputs.literals(g.Interface)
		if err != nil {
			return err
		}
		outputs, err := workflow.Run(cmd.Context(), c.registry, g, literals)
		if err != nil {
			return fmt.Errorf("error running workflow locally: %w", err)
		}
		c.logger.WithField("workflow", g.Name).Info("workflow completed successfully")
		return writeLiterals(cmd, outputs)
	}
}

// runWorkflow starts the workflow of a flowfile on a taskflow server and
// polls until it finishes. The server must have the same flowfile registered.
func (c *cli) runWorkflow(inputs *inputFlags, token *string, interval *time.Duration) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		g, err := c.loadFlowfile(args[0])
		if err != nil {
			return err
		}
		literals, err := inputs.literals(g.Interface)
		if err != nil {
			return err
		}

		var opts []connect.ClientOption
		if *token != "" {
			opts = append(opts, connect.WithInterceptors(bearerToken(*token)))
		}
		// TODO(kent): support HTTPS connections to the server.
		taskflowClient := server.NewClient(http.DefaultClient, "http://"+c.cfg.Server.Address, opts...)

		run, err := taskflowClient.Run(cmd.Context(), g.Name, literals)
		if err != nil {
			return fmt.Errorf("error running workflow: %w", err)
		}
		logger := c.logger.WithFields(logrus.Fields{"workflow_id": run.WorkflowID, "run_id": run.RunID})
		logger.Info("workflow started")

		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for {
			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-ticker.C:
			}
			status, err := taskflowClient.Get(cmd.Context(), run.WorkflowID, run.RunID)
			if err != nil {
				return fmt.Errorf("error getting workflow run status: %w", err)
			}
			switch status.Status {
			case server.StatusRunning:
				logger.Debug("workflow is still running")
			case server.StatusCompleted:
				logger.Info("workflow completed successfully")
				return writeLiterals(cmd, status.Outputs)
			default:
				return fmt.Errorf("workflow execution %s: %s", strings.ToLower(strings.TrimPrefix(string(status.Status), "STATUS_")), status.Error)
			}
		}
	}
}

func bearerToken(token string) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			req.Header().Set("Authorization", "Bearer "+token)
			return next(ctx, req)
		}
	}
}

// runWorker starts a Temporal worker that runs compiled graphs and
// dispatches their tasks.
func (c *cli) runWorker(cmd *cobra.Command, args []string) error {
	tc, err := c.dialTemporal()
	if err != nil {
		return err
	}
	defer tc.Close()

	var opts []worker.Option
	if c.maxConcurrentTasks > 0 {
		opts = append(opts, worker.WithMaxConcurrentTasks(c.maxConcurrentTasks))
	}
	w := worker.New(tc, c.cfg.Temporal.TaskQueue, c.registry, opts...)

	c.logger.WithFields(logrus.Fields{
		"task_queue": c.cfg.Temporal.TaskQueue,
		"address":    c.cfg.Temporal.Address,
		"namespace":  c.cfg.Temporal.Namespace,
	}).Info("starting worker")

	if err := w.Start(); err != nil {
		return fmt.Errorf("unable to start worker: %w", err)
	}

	<-cmd.Context().Done()
	c.logger.Info("shutting down worker")
	w.Stop()
	return nil
}

// runServer starts the taskflow API server, serving task dispatch and runs of
// the workflows in the given flowfiles.
func (c *cli) runServer(cmd *cobra.Command, args []string) error {
	if err := c.registerFlowfiles(args); err != nil {
		return err
	}

	tc, err := c.dialTemporal()
	if err != nil {
		return err
	}

	taskflowServer := server.New(
		c.registry,
		tc,
		server.WithLogger(c.logger),
		server.WithTaskQueue(c.cfg.Temporal.TaskQueue),
		server.WithRunTimeout(c.cfg.Temporal.RunTimeout),
	)

	interceptor, err := validate.NewInterceptor()
	if err != nil {
		return fmt.Errorf("error creating validation interceptor: %w", err)
	}

	otelInterceptor, err := otelconnect.NewInterceptor()
	if err != nil {
		return fmt.Errorf("error creating OpenTelemetry interceptor: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(
		taskflowServer.Handler(
			connect.WithInterceptors(
				interceptor,
				otelInterceptor,
			),
		),
	)

	publicKey, err := c.cfg.PublicKey()
	if err != nil {
		return err
	}
	var authMiddleware *authn.Middleware
	if publicKey != nil {
		authMiddleware = server.NewJWTMiddleware(c.cfg.Auth.KeyID, publicKey)
	} else {
		c.logger.Warn("no public key configured, serving without authentication")
		authMiddleware = server.NewOpenMiddleware()
	}

	httpServer := &http.Server{
		Addr:              c.cfg.Server.Address,
		Handler:           authMiddleware.Wrap(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	c.logger.WithField("address", httpServer.Addr).Info("starting taskflow server")
	errs := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("could not listen on %s: %w", httpServer.Addr, err)
	case <-cmd.Context().Done():
	}

	c.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return taskflowServer.Shutdown(shutdownCtx)
}

// runLSP serves the flowfile language server over stdin and stdout.
func (c *cli) runLSP(cmd *cobra.Command, args []string) error {
	c.logger.SetOutput(os.Stderr)
	handler := &lsp.FlowfileServer{Registry: c.registry, Logger: c.logger}
	conn := jsonrpc2.NewConn(cmd.Context(), jsonrpc2.NewBufferedStream(stdio{}, jsonrpc2.VSCodeObjectCodec{}), handler)
	select {
	case <-conn.DisconnectNotify():
	case <-cmd.Context().Done():
		return conn.Close()
	}
	return nil
}

// stdio joins stdin and stdout into the stream the language server speaks over.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error {
	if err := os.Stdin.Close(); err != nil {
		return err
	}
	return os.Stdout.Close()
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	// Root command for the taskflow CLI application.
	rootCmd := &cobra.Command{
		Use:     "taskflow",
		Short:   "Typed tasks and workflows",
		Long:    "Taskflow defines typed tasks, composes them into workflows, and runs them in-process or durably on Temporal.",
		Version: version,
		Example: `# Execute a single task:
taskflow execute add -i x=1 -i y=2

# Run a workflow locally (without Temporal):
taskflow run local examples/calculator.yaml -i x=10 -i y=5

# Run a workflow using Temporal via the server:
taskflow run examples/calculator.yaml -i x=10 -i y=5

# Start a Temporal worker:
taskflow worker

# Start the taskflow API server:
taskflow server examples/calculator.yaml

# Start the LSP server for flowfile editing:
taskflow lsp`,
		PersistentPreRunE: c.setup,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVarP(&c.configFile, "config", "c", "", "config file (default is ./config.yaml or ~/.config/taskflow/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable verbose logging")

	registerCmd := &cobra.Command{
		Use:   "register [flowfile...]",
		Short: "Print registerable templates",
		Long:  "Print the registerable task templates of the task library, using the registration settings from config, followed by the canonical form of any flowfiles given.",
		RunE:  c.runRegister,
	}

	executeInputs := &inputFlags{}
	executeCmd := &cobra.Command{
		Use:   "execute [task]",
		Short: "Execute a single task",
		Long:  "Dispatch a single task of the task library in-process with literal inputs, printing its outputs as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runExecute(executeInputs),
		Example: `# Echo a message:
taskflow execute echo -i message=hello

# Evaluate a CEL expression with inputs from a file:
taskflow execute cel -f inputs.yaml`,
	}
	executeInputs.register(executeCmd)

	var (
		token        string
		pollInterval time.Duration
	)
	runInputs := &inputFlags{}
	runCmd := &cobra.Command{
		Use:   "run [flowfile]",
		Short: "Run a workflow",
		Long:  "Run the workflow of a flowfile using the taskflow server. The server must have been started with the same flowfile.",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runWorkflow(runInputs, &token, &pollInterval),
		Example: `# Run a workflow using the taskflow server:
taskflow run examples/calculator.yaml -i x=1 -i y=2

# Run with inputs from a file and a bearer token:
taskflow run examples/calculator.yaml -f inputs.yaml --token "$TASKFLOW_TOKEN"`,
	}
	runInputs.register(runCmd)
	runCmd.Flags().StringVar(&token, "token", os.Getenv("TASKFLOW_TOKEN"), "bearer token presented to the server")
	runCmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "interval between run status checks")

	localInputs := &inputFlags{}
	runLocalCmd := &cobra.Command{
		Use:   "local [flowfile]",
		Short: "Run a workflow locally without Temporal",
		Long:  "Run the workflow of a flowfile in-process without Temporal or the taskflow server. This is useful for testing and development.",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runLocal(localInputs),
		Example: `# Run a workflow locally:
taskflow run local examples/calculator.yaml -i x=10 -i y=5`,
	}
	localInputs.register(runLocalCmd)

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker",
		Long:  "Start a Temporal worker to run workflows and dispatch their tasks. The worker connects to the Temporal server and processes the configured task queue.",
		RunE:  c.runWorker,
		Example: `# Start a worker with default settings:
taskflow worker

# Start a worker for another namespace:
TASKFLOW_TEMPORAL_NAMESPACE=production taskflow worker`,
	}

	workerCmd.Flags().IntVar(&c.maxConcurrentTasks, "max-concurrent-tasks", 0, "maximum number of tasks dispatched at once (0 uses the Temporal default)")

	serverCmd := &cobra.Command{
		Use:   "server [flowfile...]",
		Short: "Start a server",
		Long:  "Start the taskflow API server. It dispatches tasks of the task library and runs the workflows of the given flowfiles on Temporal.",
		RunE:  c.runServer,
		Example: `# Start the server serving a workflow:
taskflow server examples/calculator.yaml

# Require JWTs signed by a key:
TASKFLOW_AUTH_PUBLIC_KEY_FILE=key.pem taskflow server examples/calculator.yaml`,
	}

	lspCmd := &cobra.Command{
		Use:   "lsp",
		Short: "Start a flowfile Language Server Protocol (LSP) server",
		Long:  "Start an LSP server over stdio that validates flowfiles against the task library as they are edited.",
		RunE:  c.runLSP,
	}

	rootCmd.AddGroup(&cobra.Group{
		ID:    "task",
		Title: "Task Commands",
	})

	rootCmd.AddGroup(&cobra.Group{
		ID:    "workflow",
		Title: "Workflow Commands",
	})

	rootCmd.AddGroup(&cobra.Group{
		ID:    "infrastructure",
		Title: "Infrastructure Commands",
	})

	rootCmd.AddGroup(&cobra.Group{
		ID:    "development",
		Title: "Development Commands",
	})

	registerCmd.GroupID = "task"
	executeCmd.GroupID = "task"
	runCmd.GroupID = "workflow"
	workerCmd.GroupID = "infrastructure"
	serverCmd.GroupID = "infrastructure"
	lspCmd.GroupID = "development"

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runLocalCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(lspCmd)

	return rootCmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
