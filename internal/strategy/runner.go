package strategy

import (
	"context"
	"log"
)

// Runner is the high-level entry point for dynamic strategies: it compiles a
// natural language plan and executes the resulting program. Compilation
// failures come back as failed Results whose error carries the
// "compilation error:" prefix so callers can tell them from execution
// failures; either way the run completes.
type Runner struct {
	compiler *Compiler
	executor *Executor
	logger   *log.Logger
}

// NewRunner wires a compiler and executor together.
func NewRunner(compiler *Compiler, executor *Executor) *Runner {
	return &Runner{
		compiler: compiler,
		executor: executor,
		logger:   log.New(log.Writer(), "[STRATEGY] ", log.LstdFlags),
	}
}

// Run executes the natural language plan dynamically.
func (r *Runner) Run(ctx context.Context, plan string, rctx Context) Result {
	r.logger.Printf("starting dynamic strategy execution")

	prog, err := r.compiler.Compile(ctx, plan, rctx)
	if err != nil {
		r.logger.Printf("strategy compilation failed: %v", err)
		return Result{
			Success:      false,
			ExecutionLog: []string{},
			Error:        "compilation error: " + err.Error(),
		}
	}

	result := r.executor.Execute(ctx, prog, rctx)
	r.logger.Printf("dynamic strategy execution completed, success=%t", result.Success)
	return result
}
