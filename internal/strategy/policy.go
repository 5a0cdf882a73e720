package strategy

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"gopkg.in/yaml.v3"

	"github.com/Research-as-a-Code/Research-as-a-Code/config"
)

// ExecPolicy bounds what a single strategy execution may do.
type ExecPolicy struct {
	MaxSteps    int    `yaml:"max_steps"`
	MaxSources  int    `yaml:"max_sources"`
	StepTimeout string `yaml:"step_timeout"`
	ExecTimeout string `yaml:"exec_timeout"`
	Network     struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"network"`
}

// LoadExecPolicy reads the policy file named in config.Strategy.PolicyFile and
// fills gaps from the config defaults. Without a policy file the config values
// are used directly.
func LoadExecPolicy(cfg *config.Config) (*ExecPolicy, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	policy := ExecPolicy{}
	policy.Network.Enabled = true
	if path := strings.TrimSpace(cfg.Strategy.PolicyFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy: %w", err)
		}
		var doc struct {
			Strategy ExecPolicy `yaml:"strategy"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse policy: %w", err)
		}
		policy = doc.Strategy
	}
	if policy.MaxSteps == 0 {
		policy.MaxSteps = cfg.Strategy.MaxSteps
	}
	if policy.MaxSources == 0 {
		policy.MaxSources = cfg.Strategy.MaxSources
	}
	if policy.StepTimeout == "" {
		policy.StepTimeout = cfg.Strategy.StepTimeout.String()
	}
	if policy.ExecTimeout == "" {
		policy.ExecTimeout = cfg.Strategy.ExecTimeout.String()
	}
	if policy.MaxSteps <= 0 {
		return nil, fmt.Errorf("strategy policy: max_steps must be positive")
	}
	return &policy, nil
}

// Enforcer performs policy validation prior to execution.
type Enforcer struct {
	policy *ExecPolicy
}

var (
	strategyMetricsOnce    sync.Once
	strategyExecutions     otelmetric.Int64Counter
	strategyStepsHistogram otelmetric.Int64Histogram
	strategyTimeoutSeconds otelmetric.Float64Histogram
	strategyWebBlocked     otelmetric.Int64Counter
)

func initStrategyMetrics() {
	meter := otel.Meter("rac/internal/strategy")
	var err error
	strategyExecutions, err = meter.Int64Counter(
		"strategy_executions_total",
		otelmetric.WithDescription("Number of strategy policy validations performed"),
	)
	if err != nil {
		log.Printf("strategy metrics init: executions counter: %v", err)
	}
	strategyStepsHistogram, err = meter.Int64Histogram(
		"strategy_program_steps",
		otelmetric.WithDescription("Steps per validated strategy program"),
	)
	if err != nil {
		log.Printf("strategy metrics init: steps histogram: %v", err)
	}
	strategyTimeoutSeconds, err = meter.Float64Histogram(
		"strategy_exec_timeout_seconds",
		otelmetric.WithDescription("Granted execution timeout per strategy run"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("strategy metrics init: timeout histogram: %v", err)
	}
	strategyWebBlocked, err = meter.Int64Counter(
		"strategy_web_blocked_total",
		otelmetric.WithDescription("Strategy executions with web access disabled by policy"),
	)
	if err != nil {
		log.Printf("strategy metrics init: web blocked counter: %v", err)
	}
}

func NewEnforcer(policy *ExecPolicy) *Enforcer {
	return &Enforcer{policy: policy}
}

// ExecRequest describes an execution request for validation.
type ExecRequest struct {
	Steps       int
	StepTimeout time.Duration
	ExecTimeout time.Duration
	NeedsWeb    bool
}

// Validate ensures the request meets policy limits and applies defaults from
// the loaded policy. The request is mutated in place so callers can rely on
// the normalized values downstream.
func (e *Enforcer) Validate(ctx context.Context, req *ExecRequest) error {
	if e == nil || e.policy == nil {
		return nil
	}
	if req == nil {
		return fmt.Errorf("exec request is nil")
	}
	if req.Steps > e.policy.MaxSteps {
		return fmt.Errorf("program has %d steps, policy allows %d", req.Steps, e.policy.MaxSteps)
	}
	if req.StepTimeout <= 0 {
		if d, err := time.ParseDuration(e.policy.StepTimeout); err == nil {
			req.StepTimeout = d
		}
	}
	if req.ExecTimeout <= 0 {
		if d, err := time.ParseDuration(e.policy.ExecTimeout); err == nil {
			req.ExecTimeout = d
		}
	}
	if req.ExecTimeout > 0 {
		if d, err := time.ParseDuration(e.policy.ExecTimeout); err == nil && req.ExecTimeout > d {
			return fmt.Errorf("timeout %s exceeds policy %s", req.ExecTimeout, d)
		}
	}
	if req.NeedsWeb && !e.policy.Network.Enabled {
		return fmt.Errorf("web access disabled by policy")
	}
	return nil
}

// Policy returns the underlying policy, useful for diagnostics and logging.
func (e *Enforcer) Policy() *ExecPolicy {
	if e == nil {
		return nil
	}
	return e.policy
}

// MaxSources returns the source accumulation cap, zero meaning unlimited.
func (e *Enforcer) MaxSources() int {
	if e == nil || e.policy == nil {
		return 0
	}
	return e.policy.MaxSources
}

// EnsurePolicy loads the execution policy, validates the provided request
// against it and logs a standard "policy=enforced" line for observability.
func EnsurePolicy(ctx context.Context, cfg *config.Config, service string, logger *log.Logger, req ExecRequest) (*Enforcer, ExecRequest, error) {
	policy, err := LoadExecPolicy(cfg)
	if err != nil {
		return nil, ExecRequest{}, err
	}

	enforcer := NewEnforcer(policy)
	normalized := req
	if err := enforcer.Validate(ctx, &normalized); err != nil {
		return nil, ExecRequest{}, err
	}

	if logger == nil {
		prefix := strings.TrimSpace(service)
		if prefix == "" {
			prefix = "service"
		}
		logger = log.New(os.Stdout, fmt.Sprintf("[%s] ", strings.ToUpper(prefix)), log.LstdFlags)
	}

	logger.Printf("policy=enforced max_steps=%d max_sources=%d step_timeout=%s exec_timeout=%s web_enabled=%t",
		policy.MaxSteps, policy.MaxSources, policy.StepTimeout, policy.ExecTimeout, policy.Network.Enabled)

	recordPolicyMetrics(ctx, service, policy, normalized)

	return enforcer, normalized, nil
}

func recordPolicyMetrics(ctx context.Context, service string, policy *ExecPolicy, normalized ExecRequest) {
	if ctx == nil {
		ctx = context.Background()
	}
	strategyMetricsOnce.Do(initStrategyMetrics)
	attrs := []attribute.KeyValue{
		attribute.String("service", strings.TrimSpace(service)),
	}
	if strategyExecutions != nil {
		strategyExecutions.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
	}
	if strategyStepsHistogram != nil && normalized.Steps > 0 {
		strategyStepsHistogram.Record(ctx, int64(normalized.Steps), otelmetric.WithAttributes(attrs...))
	}
	if strategyTimeoutSeconds != nil && normalized.ExecTimeout > 0 {
		strategyTimeoutSeconds.Record(ctx, normalized.ExecTimeout.Seconds(), otelmetric.WithAttributes(attrs...))
	}
	if !policy.Network.Enabled {
		if strategyWebBlocked != nil {
			strategyWebBlocked.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		}
	}
}
