package ethnode

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gomp-ethash/pkg/log"
)

// TopicHashBlock carries the 32-byte hash of each new head block.
const TopicHashBlock = "hashblock"

// ZMQNotifier subscribes to a node sidecar's ZMQ publisher
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
	poll     time.Duration
}

// NewZMQNotifier creates a SUB socket for endpoint
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
		poll:     250 * time.Millisecond,
	}, nil
}

// Subscribe subscribes to a topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers messages to handler until ctx is done.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		polled, err := poller.Poll(z.poll)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				return err
			}
			z.logger.WithError(err).Warn("ZMQ poll failed")
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			z.logger.WithError(err).Warn("failed to receive ZMQ message")
			continue
		}
		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		if err := handler(string(msg[0]), msg[1]); err != nil {
			z.logger.WithError(err).Warn("failed to handle ZMQ message", "topic", string(msg[0]))
		}
	}
}

// Close closes the socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// HeadHandler returns a Listen handler that calls onHead with the 0x hex
// hash of every new head.
func HeadHandler(onHead func(hash string) error) func(topic string, data []byte) error {
	return func(topic string, data []byte) error {
		if topic != TopicHashBlock {
			return nil
		}
		if len(data) != 32 {
			return fmt.Errorf("invalid block hash length: %d", len(data))
		}
		return onHead("0x" + hex.EncodeToString(data))
	}
}
