package network

import (
	"fmt"
	"sync"

	"github.com/antithesishq/antithesis-sdk-go/assert"
	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
)

const (
	NatsSubjectPrefix = "RAFT"
	// replicas share one queue group so each proposal reaches a single replica
	proposalQueueGroup = "replicas"
)

type NatsNetwork struct {
	conn   *nats.Conn
	logger hclog.Logger

	groupId         string
	proposalSubject string
	unicastPrefix   string

	mu            sync.Mutex
	subscriptions []*nats.Subscription
}

func NewNatsNetwork(groupId, natsUrl string, logger hclog.Logger) (*NatsNetwork, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("nats")

	nc, err := nats.Connect(
		natsUrl,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("reconnected", "url", conn.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &NatsNetwork{
		conn:            nc,
		logger:          logger,
		groupId:         groupId,
		proposalSubject: fmt.Sprintf("%s.%s.proposal", NatsSubjectPrefix, groupId),
		unicastPrefix:   fmt.Sprintf("%s.%s", NatsSubjectPrefix, groupId),
	}, nil
}

func (net *NatsNetwork) unicastSubject(id string) string {
	return fmt.Sprintf("%s.%s", net.unicastPrefix, id)
}

func (net *NatsNetwork) subscribe(subject, queue string, handler nats.MsgHandler) error {
	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = net.conn.Subscribe(subject, handler)
	} else {
		sub, err = net.conn.QueueSubscribe(subject, queue, handler)
	}
	if err != nil {
		assert.Unreachable(
			"Failed to subscribe",
			map[string]any{
				"subject": subject,
				"error":   err.Error(),
			},
		)
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	net.mu.Lock()
	net.subscriptions = append(net.subscriptions, sub)
	net.mu.Unlock()
	return nil
}

// RegisterNode subscribes the device to frames addressed to id.
func (net *NatsNetwork) RegisterNode(id string, networkDevice NetworkDevice) error {
	return net.subscribe(net.unicastSubject(id), "", func(msg *nats.Msg) {
		if err := networkDevice.Receive(msg.Data); err != nil {
			// subjects carry no sender, there is no single link to tear down
			if IsConnectionFatal(err) {
				net.logger.Error("protocol violation on subject", "subject", msg.Subject, "error", err)
			} else {
				net.logger.Debug("device rejected frame", "subject", msg.Subject, "error", err)
			}
		}
	})
}

func (net *NatsNetwork) Send(id string, msg []byte) error {
	if err := net.conn.Publish(net.unicastSubject(id), msg); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", id, err)
	}
	return nil
}

// SubscribeProposals delivers client proposals published to the group, each to one replica.
func (net *NatsNetwork) SubscribeProposals(handler func(data []byte)) error {
	return net.subscribe(net.proposalSubject, proposalQueueGroup, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Propose publishes a client proposal to the group.
func (net *NatsNetwork) Propose(data []byte) error {
	if err := net.conn.Publish(net.proposalSubject, data); err != nil {
		return fmt.Errorf("failed to publish proposal: %w", err)
	}
	return nil
}

func (net *NatsNetwork) Close() error {
	net.mu.Lock()
	subscriptions := net.subscriptions
	net.subscriptions = nil
	net.mu.Unlock()

	for _, sub := range subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			net.logger.Warn("failed to unsubscribe", "subject", sub.Subject, "error", err)
		}
	}
	if err := net.conn.Drain(); err != nil {
		net.conn.Close()
		return fmt.Errorf("failed to drain connection: %w", err)
	}
	return nil
}
