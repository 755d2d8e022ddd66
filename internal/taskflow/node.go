// Package taskflow executes directed task graphs with bounded parallelism,
// composed from three node kinds: linear flows, unordered flows, and graph
// flows with decider-gated edges. Graphs are validated with Kahn's
// algorithm before any node runs.
package taskflow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/coriolis/minion-manager/internal/logging"
	"github.com/coriolis/minion-manager/internal/observability"
)

// Node is anything the runner can execute: a single task, or a composite
// flow of other nodes.
type Node interface {
	Name() string
	Run(ctx context.Context, rt *Runtime) error
}

// Reverter is implemented by nodes that can undo their effect once
// executed. LinearFlow calls Revert on already-completed children, in
// reverse order, when a later sibling fails.
type Reverter interface {
	Revert(ctx context.Context, rt *Runtime) error
}

// TaskNode adapts a Task into a Node, recording its result into the
// Runtime under its own name so deciders and revert callbacks downstream
// can read it back.
type TaskNode struct {
	name    string
	attrs   []attribute.KeyValue
	execute func(ctx context.Context, rt *Runtime) (any, error)
	revert  func(ctx context.Context, rt *Runtime, result any) error
}

// NewTaskNode builds a TaskNode. revert may be nil for tasks with no
// compensation. attrs, if given, are attached to the task's span alongside
// AttrTaskName — tasklib call sites pass their pool/machine/action id so the
// resulting trace can be filtered to one pool or one machine's lifecycle.
func NewTaskNode(name string, execute func(ctx context.Context, rt *Runtime) (any, error), revert func(ctx context.Context, rt *Runtime, result any) error, attrs ...attribute.KeyValue) *TaskNode {
	return &TaskNode{name: name, execute: execute, revert: revert, attrs: attrs}
}

func (t *TaskNode) Name() string { return t.name }

func (t *TaskNode) Run(ctx context.Context, rt *Runtime) error {
	rt.acquire()
	defer rt.release()

	spanAttrs := append([]attribute.KeyValue{observability.AttrTaskName.String(t.name)}, t.attrs...)
	ctx, span := observability.StartSpan(ctx, "taskflow.task", spanAttrs...)
	defer span.End()

	if rt.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.taskTimeout)
		defer cancel()
	}

	result, err := t.execute(ctx, rt)
	rt.setResult(t.name, result)
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("task %s: %w", t.name, err)
	}
	observability.SetSpanOK(span)
	return nil
}

func (t *TaskNode) Revert(ctx context.Context, rt *Runtime) error {
	if t.revert == nil {
		return nil
	}
	result, _ := rt.result(t.name)
	return t.revert(ctx, rt, result)
}

// LinearFlow runs its children in order and aborts on the first failure,
// reverting already-completed children in reverse order.
type LinearFlow struct {
	name  string
	nodes []Node
}

// NewLinearFlow builds a LinearFlow.
func NewLinearFlow(name string, nodes ...Node) *LinearFlow {
	return &LinearFlow{name: name, nodes: nodes}
}

func (f *LinearFlow) Name() string { return f.name }

func (f *LinearFlow) Run(ctx context.Context, rt *Runtime) error {
	var executed []Node
	for _, n := range f.nodes {
		if err := n.Run(ctx, rt); err != nil {
			revertAll(ctx, rt, executed)
			return fmt.Errorf("linear flow %s: %w", f.name, err)
		}
		executed = append(executed, n)
	}
	return nil
}

func (f *LinearFlow) Revert(ctx context.Context, rt *Runtime) error {
	revertAll(ctx, rt, f.nodes)
	return nil
}

func revertAll(ctx context.Context, rt *Runtime, executed []Node) {
	for i := len(executed) - 1; i >= 0; i-- {
		rv, ok := executed[i].(Reverter)
		if !ok {
			continue
		}
		if err := rv.Revert(ctx, rt); err != nil {
			logging.Op().Error("revert failed", "node", executed[i].Name(), "error", err)
		}
	}
}
