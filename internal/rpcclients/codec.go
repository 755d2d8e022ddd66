// Package rpcclients provides the client factories for the three external
// collaborators: Worker, Scheduler, and Conductor. Every factory dials a
// fresh gRPC connection per call and never caches a client across a flow
// boundary; a handle carried across a fork or task boundary is not safe to
// reuse.
package rpcclients

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered with gRPC's pluggable codec registry so the
// generated-stub-free clients below can exchange plain JSON-tagged structs
// over the wire instead of requiring compiled protobuf messages.
const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return jsonCodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc payload: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal rpc payload: %w", err)
	}
	return nil
}
