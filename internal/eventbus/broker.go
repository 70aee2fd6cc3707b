package eventbus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

// Broker wraps an embedded NATS server and a client connection to it,
// generalized from the teacher's internal/nats/server.go + client.go. The
// control plane ships with this broker by default so a single binary needs
// no external NATS deployment; any nats.Conn satisfies the transport this
// package actually needs.
type Broker struct {
	srv  *natsserver.Server
	conn *nats.Conn
}

// StartEmbeddedBroker boots an in-process NATS server bound to an
// OS-assigned port and returns a connected client, matching the teacher's
// reconnect-forever client options (MaxReconnects(-1)).
func StartEmbeddedBroker() (*Broker, error) {
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1, // random free port
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("start embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded nats server not ready")
	}

	conn, err := nats.Connect(srv.ClientURL(),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Printf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Printf("nats connection closed")
		}),
	)
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connect embedded nats: %w", err)
	}

	return &Broker{srv: srv, conn: conn}, nil
}

// Subject names the NATS subject for an entity, giving the ordering
// guarantee of one subject per (entity_type, entity_id).
func Subject(entityType EntityType, entityID string) string {
	return fmt.Sprintf("events.%s.%s", entityType, entityID)
}

func (b *Broker) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *Broker) Close() {
	b.conn.Drain()
	b.srv.Shutdown()
	b.srv.WaitForShutdown()
}
