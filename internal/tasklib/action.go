package tasklib

import (
	"context"
	"fmt"

	"github.com/coriolis/minion-manager/internal/observability"
	"github.com/coriolis/minion-manager/internal/rpcclients"
	"github.com/coriolis/minion-manager/internal/taskflow"
)

// ActionKind distinguishes which Conductor RPC pair a reporting task calls:
// replica allocation graphs and migration allocation graphs report through
// different endpoints even though the payload shape is identical.
type ActionKind int

const (
	ActionReplica ActionKind = iota
	ActionMigration
)

// ReportAllocationFailure is the terminal failure sink of an action's
// allocation graph: it reports the failure back to the Conductor so the
// action itself can be failed.
func (t *Tasks) ReportAllocationFailure(actionID string, kind ActionKind, message string) *taskflow.TaskNode {
	name := fmt.Sprintf("report-allocation-failure:%s", actionID)
	return taskflow.NewTaskNode(name, func(ctx context.Context, rt *taskflow.Runtime) (any, error) {
		conductor := t.ConductorFactory(t.ConductorAddr)
		req := rpcclients.ReportAllocationErrorRequest{ActionID: actionID, Message: message}
		var err error
		switch kind {
		case ActionMigration:
			err = conductor.ReportMigrationMinionsAllocationError(ctx, req)
		default:
			err = conductor.ReportReplicaMinionsAllocationError(ctx, req)
		}
		return nil, err
	}, nil, observability.AttrActionID.String(actionID))
}

// ConfirmAllocation is the terminal success sink of an action's allocation
// graph: it reports the resolved instance-to-machine assignments back to
// the Conductor.
func (t *Tasks) ConfirmAllocation(actionID string, kind ActionKind, allocations map[string]rpcclients.InstanceMinionAllocation) *taskflow.TaskNode {
	name := fmt.Sprintf("confirm-allocation:%s", actionID)
	return taskflow.NewTaskNode(name, func(ctx context.Context, rt *taskflow.Runtime) (any, error) {
		conductor := t.ConductorFactory(t.ConductorAddr)
		req := rpcclients.ConfirmAllocationRequest{ActionID: actionID, Allocations: allocations}
		var err error
		switch kind {
		case ActionMigration:
			err = conductor.ConfirmMigrationMinionsAllocation(ctx, req)
		default:
			err = conductor.ConfirmReplicaMinionsAllocation(ctx, req)
		}
		return nil, err
	}, nil, observability.AttrActionID.String(actionID))
}
