package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix namespaces worker invocation subjects.
const SubjectPrefix = "workers"

// Subject returns the request subject for a worker.
func Subject(name string) string { return SubjectPrefix + "." + name + ".invoke" }

// invokeRequest is sent to remote workers.
type invokeRequest struct {
	Worker string    `json:"worker"`
	SentAt time.Time `json:"sent_at"`
}

// invokeReply is what a remote worker answers. A non-empty Error marks the
// invocation as failed.
type invokeReply struct {
	Error  string          `json:"error,omitempty"`
	Record json.RawMessage `json:"record,omitempty"`
}

// RemoteError is a failure reported by a remote worker.
type RemoteError struct {
	Worker string
	Msg    string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("worker %s: %s", e.Worker, e.Msg) }

// NATSHandle invokes a remote worker with a request/reply on
// "workers.<name>.invoke".
type NATSHandle struct {
	Name    string
	Subject string
	Conn    *nats.Conn
}

// NewNATSHandle creates a handle on the default subject for name.
func NewNATSHandle(conn *nats.Conn, name string) *NATSHandle {
	return &NATSHandle{Name: name, Subject: Subject(name), Conn: conn}
}

func (h *NATSHandle) Invoke(ctx context.Context) (HealthRecord, error) {
	payload, err := json.Marshal(invokeRequest{Worker: h.Name, SentAt: time.Now().UTC()})
	if err != nil {
		return HealthRecord{}, err
	}
	msg, err := h.Conn.RequestWithContext(ctx, h.Subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return HealthRecord{}, fmt.Errorf("worker %s has no responders on %s: %w", h.Name, h.Subject, err)
		}
		return HealthRecord{}, fmt.Errorf("invoke %s: %w", h.Name, err)
	}
	return decodeReply(h.Name, msg.Data)
}

func decodeReply(name string, data []byte) (HealthRecord, error) {
	var reply invokeReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return HealthRecord{}, fmt.Errorf("worker %s sent malformed reply: %w", name, err)
	}
	if reply.Error != "" {
		return HealthRecord{}, &RemoteError{Worker: name, Msg: reply.Error}
	}
	if len(reply.Record) == 0 {
		return HealthRecord{}, nil
	}
	return decodeRecord(reply.Record)
}
