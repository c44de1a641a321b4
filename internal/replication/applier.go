package replication

import (
	"encoding/json"

	"github.com/replichat/replichat/internal/store"
	"github.com/replichat/replichat/pkg/errors"
)

// Applier turns replicated operation records into local store mutations. The
// leader uses it for its own commit and followers use it for inbound records,
// so both sides mutate the store through the same code path.
type Applier struct {
	store *store.Store
}

// NewApplier creates an applier over the given store.
func NewApplier(s *store.Store) *Applier {
	return &Applier{store: s}
}

// Apply executes the store mutation described by the record. Unknown operation
// types and malformed payloads are rejected without touching the store.
func (a *Applier) Apply(rec Record) error {
	if !rec.Type.Valid() {
		return errors.Newf(errors.ErrCodeValidationFailed, "unknown operation type %q", rec.Type)
	}

	switch rec.Type {
	case OpCreateAccount:
		var p CreateAccountPayload
		if err := unmarshalPayload(rec, &p); err != nil {
			return err
		}
		return a.store.InsertAccount(p.Username, p.Password)

	case OpSendMessage:
		var p SendMessagePayload
		if err := unmarshalPayload(rec, &p); err != nil {
			return err
		}
		_, err := a.store.InsertMessage(p.Sender, p.Recipient, p.Content, false, p.Timestamp)
		return err

	case OpDeleteMessages:
		var p DeleteMessagesPayload
		if err := unmarshalPayload(rec, &p); err != nil {
			return err
		}
		if len(p.MessageIDs) == 1 && p.MessageIDs[0] == -1 {
			return a.store.DeleteAllMessagesFor(p.Username)
		}
		return a.store.DeleteMessages(p.Username, p.MessageIDs)

	case OpDeleteAccount:
		var p DeleteAccountPayload
		if err := unmarshalPayload(rec, &p); err != nil {
			return err
		}
		return a.store.DeleteAccount(p.Username)
	}

	return errors.Newf(errors.ErrCodeInternalError, "unhandled operation type %q", rec.Type)
}

func unmarshalPayload(rec Record, target interface{}) error {
	if err := json.Unmarshal(rec.Data, target); err != nil {
		return errors.Newf(errors.ErrCodeValidationFailed, "malformed %s payload", rec.Type).WithCause(err)
	}
	return nil
}
