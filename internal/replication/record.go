// Package replication defines the replicated operation records emitted by the
// leader after each committed write, and the applier that turns a record into
// a local store mutation on a follower.
package replication

import (
	"encoding/json"
	"fmt"
)

// OpType is the closed set of replicated operation kinds.
type OpType string

const (
	OpCreateAccount  OpType = "create_account"
	OpSendMessage    OpType = "send_message"
	OpDeleteMessages OpType = "delete_messages"
	OpDeleteAccount  OpType = "delete_account"
)

// Valid reports whether t is a known operation type.
func (t OpType) Valid() bool {
	switch t {
	case OpCreateAccount, OpSendMessage, OpDeleteMessages, OpDeleteAccount:
		return true
	}
	return false
}

// Record is one replicated operation. Records are not numbered and not
// durable; they are best-effort fire-and-apply.
type Record struct {
	Type OpType          `json:"operation_type"`
	Data json.RawMessage `json:"data"`
}

// CreateAccountPayload is the payload for create_account records.
type CreateAccountPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SendMessagePayload is the payload for send_message records. The timestamp is
// leader-assigned; message ids are not carried because each replica assigns
// its own.
type SendMessagePayload struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// DeleteMessagesPayload is the payload for delete_messages records. Username
// scopes the deletes on followers exactly as on the leader.
type DeleteMessagesPayload struct {
	Username   string  `json:"username"`
	MessageIDs []int64 `json:"message_ids"`
}

// DeleteAccountPayload is the payload for delete_account records.
type DeleteAccountPayload struct {
	Username string `json:"username"`
}

// NewRecord builds a record from an operation type and its payload value.
func NewRecord(opType OpType, payload interface{}) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal %s payload: %w", opType, err)
	}
	return Record{Type: opType, Data: data}, nil
}
