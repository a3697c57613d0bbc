package platform

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NewNATSConn connects to the NATS server with sane reconnect behaviour.
// The returned connection is shared by the safe publisher and the DLQ worker.
func NewNATSConn(natsURL, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return nc, nil
}
