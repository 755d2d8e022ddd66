package taskflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// UnorderedFlow runs its children concurrently and waits for all of them
// regardless of individual failures. Parallelism is bounded at the leaf
// tasks, not here: a composite child never holds a worker slot while its
// own children wait for one, so nested unordered flows cannot starve each
// other. A failure in any child does not cancel its siblings; once every
// child has finished, the children that succeeded are reverted and the
// joined error surfaces to the enclosing flow.
type UnorderedFlow struct {
	name  string
	nodes []Node
}

// NewUnorderedFlow builds an UnorderedFlow.
func NewUnorderedFlow(name string, nodes ...Node) *UnorderedFlow {
	return &UnorderedFlow{name: name, nodes: nodes}
}

func (f *UnorderedFlow) Name() string { return f.name }

func (f *UnorderedFlow) Run(ctx context.Context, rt *Runtime) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(f.nodes))
	succeeded := make([]bool, len(f.nodes))

	for i, n := range f.nodes {
		i, n := i, n
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.Run(ctx, rt); err != nil {
				errCh <- err
				return
			}
			succeeded[i] = true
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}

	// Mirror LinearFlow: a flow that fails compensates the work its own
	// children already completed, so e.g. four machines that deployed
	// cleanly are torn down again when the fifth fails.
	var done []Node
	for i, n := range f.nodes {
		if succeeded[i] {
			done = append(done, n)
		}
	}
	revertAll(ctx, rt, done)
	return fmt.Errorf("unordered flow %s: %w", f.name, errors.Join(errs...))
}

// Revert undoes every child that can be undone, in reverse declaration
// order, for enclosing flows that fail after this one completed. Children
// without a Reverter are skipped.
func (f *UnorderedFlow) Revert(ctx context.Context, rt *Runtime) error {
	revertAll(ctx, rt, f.nodes)
	return nil
}
