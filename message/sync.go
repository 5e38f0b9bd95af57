package message

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"swarmlink/identity"
)

// StateSyncPayload carries a versioned state blob between peers. The
// state type names what is being synchronized; the receiver interprets
// the data accordingly.
type StateSyncPayload struct {
	StateType string          `cbor:"1,keyasint"`
	Revision  uint64          `cbor:"2,keyasint"`
	Data      cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// NewStateSync builds a state_sync envelope. A nil target broadcasts.
func NewStateSync(from identity.PeerID, to *identity.PeerID, stateType string, revision uint64, data any) (*Envelope, error) {
	raw, err := cbor.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode state data: %w", err)
	}
	return New(from, to, KindStateSync, StateSyncPayload{
		StateType: stateType,
		Revision:  revision,
		Data:      raw,
	})
}

// ParseStateSync extracts a state sync payload from an envelope.
func ParseStateSync(e *Envelope) (*StateSyncPayload, error) {
	p := &StateSyncPayload{}
	if err := e.DecodePayload(p); err != nil {
		return nil, fmt.Errorf("invalid state_sync payload: %w", err)
	}
	return p, nil
}

// TaskRequestPayload asks a peer to execute a task on the sender's behalf.
type TaskRequestPayload struct {
	TaskID      string          `cbor:"1,keyasint"`
	Description string          `cbor:"2,keyasint"`
	Input       cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// TaskResultPayload returns the outcome of a remotely-executed task.
type TaskResultPayload struct {
	TaskID string          `cbor:"1,keyasint"`
	OK     bool            `cbor:"2,keyasint"`
	Output cbor.RawMessage `cbor:"3,keyasint,omitempty"`
	Error  string          `cbor:"4,keyasint,omitempty"`
}

// NewTaskRequest builds a task_request envelope targeted at a peer.
func NewTaskRequest(from, to identity.PeerID, taskID, description string, input any) (*Envelope, error) {
	raw, err := cbor.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode task input: %w", err)
	}
	return New(from, &to, KindTaskRequest, TaskRequestPayload{
		TaskID:      taskID,
		Description: description,
		Input:       raw,
	})
}

// NewTaskResult builds a task_result envelope answering a task request.
func NewTaskResult(from, to identity.PeerID, taskID string, ok bool, output any, taskErr string) (*Envelope, error) {
	raw, err := cbor.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("encode task output: %w", err)
	}
	return New(from, &to, KindTaskResult, TaskResultPayload{
		TaskID: taskID,
		OK:     ok,
		Output: raw,
		Error:  taskErr,
	})
}

// ParseTaskRequest extracts a task request payload from an envelope.
func ParseTaskRequest(e *Envelope) (*TaskRequestPayload, error) {
	p := &TaskRequestPayload{}
	if err := e.DecodePayload(p); err != nil {
		return nil, fmt.Errorf("invalid task_request payload: %w", err)
	}
	return p, nil
}

// ParseTaskResult extracts a task result payload from an envelope.
func ParseTaskResult(e *Envelope) (*TaskResultPayload, error) {
	p := &TaskResultPayload{}
	if err := e.DecodePayload(p); err != nil {
		return nil, fmt.Errorf("invalid task_result payload: %w", err)
	}
	return p, nil
}
