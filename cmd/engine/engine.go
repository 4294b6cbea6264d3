package main

// Engine wires C1-C7 for a single CLI invocation. Each subcommand
// constructs one of these, performs its operation, and exits — the same
// embedding a long-running service would use, just invoked once per
// process instead of kept resident. A production deployment embeds these
// same pkg/* constructors directly inside its own long-running process
// rather than shelling out to this binary per operation; this CLI exists
// to expose the control surface of §6 directly, per spec, without
// requiring any particular transport.

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/agentcore-dev/engine/internal/config"
	"github.com/agentcore-dev/engine/internal/engineerr"
	"github.com/agentcore-dev/engine/internal/logging"
	"github.com/agentcore-dev/engine/pkg/agentnode"
	"github.com/agentcore-dev/engine/pkg/convstate"
	"github.com/agentcore-dev/engine/pkg/depgraph"
	"github.com/agentcore-dev/engine/pkg/discovery"
	"github.com/agentcore-dev/engine/pkg/generator"
	"github.com/agentcore-dev/engine/pkg/orchestrator"
	"github.com/agentcore-dev/engine/pkg/priority"
	"github.com/agentcore-dev/engine/pkg/registry"
	"github.com/agentcore-dev/engine/pkg/sandbox"
	"github.com/agentcore-dev/engine/pkg/scheduler"
	"github.com/agentcore-dev/engine/pkg/task"
)

// Engine bundles every component a control operation might need.
type Engine struct {
	cfg    *config.Config
	logger logging.Logger

	reg   *registry.Registry
	disc  *discovery.Discoverer
	graph *depgraph.Graph
	queue *priority.Queue
	pool  *scheduler.AgentPool
	sched *scheduler.Scheduler
	orch  *orchestrator.Orchestrator
	gen   generator.Generator
	conv  *convstate.Store
}

func newEngine(cfg *config.Config) (*Engine, error) {
	logger := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: cfg.ServiceName,
	})

	reg := registry.New(registry.WithLogger(logger))
	disc := discovery.New(cfg.Discovery.Roots, reg, discovery.WithDebounce(cfg.Discovery.DebounceDelay))
	graph := depgraph.New(depgraph.WithLogger(logger))
	queue := priority.New(priority.WithLogger(logger))
	pool := scheduler.NewAgentPool()

	var gen generator.Generator
	if cfg.Generator.Endpoint != "" {
		gen = generator.New(cfg.Generator.APIKey, cfg.Generator.Timeout, generator.WithBaseURL(cfg.Generator.Endpoint))
	}

	var orch *orchestrator.Orchestrator
	if gen != nil {
		approve := orchestrator.AlwaysApprove
		if !cfg.Orchestrator.AutoApprove {
			approve = func(string, orchestrator.SkillKind) bool { return false }
		}
		orch = orchestrator.New(reg, disc, gen,
			orchestrator.WithGeneratedDir(cfg.Orchestrator.GeneratedDir),
			orchestrator.WithApprovalFunc(approve),
			orchestrator.WithLogger(logger))
	}

	runner := sandbox.New([]string{"go", "run"})
	dispatch := func(ctx context.Context, agent *agentnode.Node, t *task.Task) (interface{}, error) {
		entry, ok := reg.Get(t.Type)
		if !ok || entry.Status != registry.StatusActive {
			return nil, engineerr.New("dispatch", engineerr.KindCapability, engineerr.ErrSkillNotFound).WithID(t.Type)
		}
		source, err := os.ReadFile(entry.Source)
		if err != nil {
			return nil, engineerr.New("dispatch", engineerr.KindCapability, err).WithID(t.Type)
		}
		limits := sandbox.DefaultLimits()
		if t.Constraints.ExecutionTimeout > 0 {
			limits.Timeout = t.Constraints.ExecutionTimeout
		}
		result, err := runner.ExecuteInSandbox(ctx, string(source), t.Description, nil, limits)
		if err != nil {
			return nil, engineerr.New("dispatch", engineerr.KindCapability, err).WithID(t.ID)
		}
		if !result.Success {
			return nil, engineerr.New("dispatch", engineerr.KindRuntime, fmt.Errorf("%s", result.Error)).WithID(t.ID)
		}
		return result.Result, nil
	}
	sched := scheduler.New(graph, queue, pool, dispatch, scheduler.Config{MaxConcurrentDispatch: cfg.Scheduler.WorkerCount, Logger: logger})

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		reg:    reg,
		disc:   disc,
		graph:  graph,
		queue:  queue,
		pool:   pool,
		sched:  sched,
		orch:   orch,
		gen:    gen,
	}

	if cfg.ConvState.Backend == "redis" {
		opts, err := redis.ParseURL(redisURLOrDefault(cfg.ConvState.RedisURL))
		if err != nil {
			return nil, engineerr.New("newEngine", engineerr.KindInput, err)
		}
		client := redis.NewClient(opts)
		e.conv = convstate.New(client, cfg.ServiceName, convstate.WithLogger(logger))
	}

	return e, nil
}

func redisURLOrDefault(url string) string {
	if url == "" {
		return "redis://localhost:6379/0"
	}
	return url
}

// StartConversation creates and persists a fresh conversation context.
func (e *Engine) StartConversation(ctx context.Context, userID string) (*convstate.Context, error) {
	if e.conv == nil {
		return nil, engineerr.New("StartConversation", engineerr.KindInput, fmt.Errorf("no conversation store configured"))
	}
	now := time.Now()
	c := &convstate.Context{
		ConversationID: uuid.NewString(),
		UserID:         userID,
		State:          "active",
		History:        []convstate.Event{{Type: "conversation_started", Timestamp: now}},
		CreatedAt:      now,
		LastActivity:   now,
	}
	if err := e.conv.Save(ctx, c); err != nil {
		return nil, engineerr.New("StartConversation", engineerr.KindTransient, err)
	}
	return c, nil
}

// HandleUserInput loads a conversation, appends the turn to its history, and
// classifies the request via C7. It returns the skill that claims the
// request; when none does, it attempts generation inline and returns the
// generated skill, or only the signal if generation fails. The conversation
// is persisted unless classification itself returns an error.
func (e *Engine) HandleUserInput(ctx context.Context, conversationID, text string) (*orchestrator.Signal, *registry.Entry, error) {
	if e.conv == nil {
		return nil, nil, engineerr.New("HandleUserInput", engineerr.KindInput, fmt.Errorf("no conversation store configured"))
	}
	c, err := e.conv.Load(ctx, conversationID)
	if err != nil {
		return nil, nil, engineerr.New("HandleUserInput", engineerr.KindInput, engineerr.ErrUnknownConversation).WithID(conversationID)
	}
	c.History = append(c.History, convstate.Event{Type: "user_input", Timestamp: time.Now(), Data: map[string]interface{}{"text": text}})
	c.LastActivity = time.Now()

	var signal *orchestrator.Signal
	var entry *registry.Entry
	if e.orch != nil {
		signal, entry, err = e.orch.HandleRequest(ctx, text)
		if err != nil {
			return nil, nil, engineerr.New("HandleUserInput", engineerr.KindCapability, err)
		}
		if entry == nil && signal != nil {
			// No skill currently claims this request's kind: attempt
			// generation inline so a first-of-its-kind request is served
			// without a separate admin round-trip, per §4.7's "discovery
			// feeds the orchestrator a generation candidate" flow.
			generated, genErr := e.orch.GenerateSkill(ctx, text)
			if genErr == nil {
				entry = generated
				c.SkillGenerationHistory = append(c.SkillGenerationHistory, generated.Name)
			}
		}
	}

	if err := e.conv.Save(ctx, c); err != nil {
		return signal, entry, engineerr.New("HandleUserInput", engineerr.KindTransient, err)
	}
	return signal, entry, nil
}

// CancelTask transitions a queued/running task to cancelled.
func (e *Engine) CancelTask(taskID string) error {
	return e.sched.Cancel(taskID)
}

// TaskStatus returns the current state of a task tracked by the dependency
// graph.
func (e *Engine) TaskStatus(taskID string) (*task.Task, error) {
	t, ok := e.graph.GetTask(taskID)
	if !ok {
		return nil, engineerr.New("TaskStatus", engineerr.KindInput, engineerr.ErrInvalidTaskID).WithID(taskID)
	}
	return t, nil
}

// PrioritizeTask overrides a task's priority score.
func (e *Engine) PrioritizeTask(taskID string, p float64) error {
	return e.queue.OverridePriority(taskID, p)
}

// SchedulerStatus snapshots the priority queue and agent pool.
type SchedulerStatus struct {
	Queue priority.Stats     `json:"queue"`
	Graph depgraph.Statistics `json:"graph"`
	Pool  int                `json:"pool_size"`
}

func (e *Engine) SchedulerStatus() SchedulerStatus {
	return SchedulerStatus{
		Queue: e.queue.Stats(),
		Graph: e.graph.Stats(),
		Pool:  len(e.pool.Snapshot()),
	}
}
