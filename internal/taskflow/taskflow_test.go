package taskflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/coriolis/minion-manager/internal/store"
)

func newTestStore() store.Store { return store.NewMemoryStore() }

func TestLinearFlowRevertsOnFailure(t *testing.T) {
	var reverted []string

	ok := NewTaskNode("step-a",
		func(ctx context.Context, rt *Runtime) (any, error) { return "a", nil },
		func(ctx context.Context, rt *Runtime, result any) error {
			reverted = append(reverted, "step-a")
			return nil
		},
	)
	fail := NewTaskNode("step-b",
		func(ctx context.Context, rt *Runtime) (any, error) { return nil, errors.New("boom") },
		nil,
	)

	flow := NewLinearFlow("test-flow", ok, fail)
	err := New(4).RunFlow(context.Background(), flow, newTestStore())
	if err == nil {
		t.Fatal("expected error from failing step")
	}
	if len(reverted) != 1 || reverted[0] != "step-a" {
		t.Errorf("expected step-a to be reverted, got %v", reverted)
	}
}

func TestUnorderedFlowRunsAllDespiteFailure(t *testing.T) {
	var ran int32
	mk := func(name string, fail bool) Node {
		return NewTaskNode(name, func(ctx context.Context, rt *Runtime) (any, error) {
			atomic.AddInt32(&ran, 1)
			if fail {
				return nil, errors.New("nope")
			}
			return nil, nil
		}, nil)
	}

	flow := NewUnorderedFlow("test-unordered", mk("a", false), mk("b", true), mk("c", false))
	err := New(2).RunFlow(context.Background(), flow, newTestStore())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if atomic.LoadInt32(&ran) != 3 {
		t.Errorf("expected all 3 nodes to run, got %d", ran)
	}
}

func TestUnorderedFlowRevertsSucceededChildrenOnFailure(t *testing.T) {
	var reverted []string
	mk := func(name string, fail bool) Node {
		return NewTaskNode(name,
			func(ctx context.Context, rt *Runtime) (any, error) {
				if fail {
					return nil, errors.New("nope")
				}
				return nil, nil
			},
			func(ctx context.Context, rt *Runtime, result any) error {
				reverted = append(reverted, name)
				return nil
			})
	}

	flow := NewUnorderedFlow("test-unordered-revert", mk("a", false), mk("b", true), mk("c", false))
	if err := New(2).RunFlow(context.Background(), flow, newTestStore()); err == nil {
		t.Fatal("expected joined error")
	}

	got := map[string]bool{}
	for _, name := range reverted {
		got[name] = true
	}
	if !got["a"] || !got["c"] {
		t.Errorf("expected succeeded siblings a and c to be reverted, got %v", reverted)
	}
	if got["b"] {
		t.Errorf("failed child b must not be reverted, got %v", reverted)
	}
}

func TestLinearFlowRevertsNestedUnorderedChildren(t *testing.T) {
	var reverted []string
	ok := func(name string) Node {
		return NewTaskNode(name,
			func(ctx context.Context, rt *Runtime) (any, error) { return nil, nil },
			func(ctx context.Context, rt *Runtime, result any) error {
				reverted = append(reverted, name)
				return nil
			})
	}
	fail := NewTaskNode("final",
		func(ctx context.Context, rt *Runtime) (any, error) { return nil, errors.New("boom") },
		nil,
	)

	flow := NewLinearFlow("outer",
		NewUnorderedFlow("inner", ok("a"), ok("b")),
		fail,
	)
	if err := New(2).RunFlow(context.Background(), flow, newTestStore()); err == nil {
		t.Fatal("expected error from final step")
	}

	if len(reverted) != 2 {
		t.Fatalf("expected both unordered children to be reverted when a later sibling fails, got %v", reverted)
	}
}

func TestGraphFlowDeciderSkipsSubflow(t *testing.T) {
	var reallocated bool

	probe := NewTaskNode("probe", func(ctx context.Context, rt *Runtime) (any, error) {
		return "failure", nil
	}, nil)
	reallocate := NewTaskNode("reallocate", func(ctx context.Context, rt *Runtime) (any, error) {
		reallocated = true
		return nil, nil
	}, nil)

	graph := NewGraphFlow("healthcheck")
	graph.AddNode(probe)
	graph.AddNode(reallocate)
	graph.AddEdge("probe", "reallocate", func(ctx context.Context, rt *Runtime) bool {
		res, _ := rt.Result("probe")
		return res == "failure"
	}, DepthFlow)

	if err := New(2).RunFlow(context.Background(), graph, newTestStore()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reallocated {
		t.Error("expected decider to allow reallocation when probe reports failure")
	}
}

func TestGraphFlowDeciderRejectsSuppressesSubflow(t *testing.T) {
	var reallocated bool

	probe := NewTaskNode("probe", func(ctx context.Context, rt *Runtime) (any, error) {
		return "success", nil
	}, nil)
	reallocate := NewTaskNode("reallocate", func(ctx context.Context, rt *Runtime) (any, error) {
		reallocated = true
		return nil, nil
	}, nil)

	graph := NewGraphFlow("healthcheck")
	graph.AddNode(probe)
	graph.AddNode(reallocate)
	graph.AddEdge("probe", "reallocate", func(ctx context.Context, rt *Runtime) bool {
		res, _ := rt.Result("probe")
		return res == "failure"
	}, DepthFlow)

	if err := New(2).RunFlow(context.Background(), graph, newTestStore()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reallocated {
		t.Error("expected reallocation to be suppressed when probe succeeds")
	}
}

func TestRunFlowInBackgroundReturnsImmediately(t *testing.T) {
	gate := make(chan struct{})
	task := NewTaskNode("slow", func(ctx context.Context, rt *Runtime) (any, error) {
		<-gate
		return nil, nil
	}, nil)

	h := New(1).RunFlowInBackground(context.Background(), NewLinearFlow("slow-flow", task), newTestStore())
	select {
	case <-h.Done():
		t.Fatal("flow should not be done yet")
	default:
	}
	close(gate)
	if err := h.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
