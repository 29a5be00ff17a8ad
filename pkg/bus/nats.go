package bus

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/veloxio/velox/pkg/core"
)

// NATSBridge forwards local bus messages to a NATS cluster so other
// processes can observe FSM lifecycle events. Topics map to subjects by
// replacing ':' with '.' ("fsm:acme" -> "fsm.acme").
type NATSBridge struct {
	conn   *nats.Conn
	logger core.Logger
}

// NewNATSBridge connects to the NATS server at url.
func NewNATSBridge(url string, logger core.Logger) (*NATSBridge, error) {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	conn, err := nats.Connect(url,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &NATSBridge{conn: conn, logger: logger}, nil
}

// Forward publishes msg as JSON on the subject derived from topic.
// Failures are logged, never propagated: the bridge is best-effort.
func (b *NATSBridge) Forward(topic string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Errorf("nats bridge: marshal message on %s: %v", topic, err)
		return
	}
	subject := strings.ReplaceAll(topic, ":", ".")
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Errorf("nats bridge: publish to %s: %v", subject, err)
	}
}

// Close flushes pending publishes and closes the connection.
func (b *NATSBridge) Close() {
	if b.conn == nil {
		return
	}
	_ = b.conn.Flush()
	b.conn.Close()
}
