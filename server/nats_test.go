package server

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"core-raft/network"
)

// TestClusterWithNatsNetwork runs against a live server, e.g. NATS_URL=nats://127.0.0.1:4222
func TestClusterWithNatsNetwork(t *testing.T) {
	natsUrl := os.Getenv("NATS_URL")
	if natsUrl == "" {
		t.Skip("NATS_URL not set")
	}
	groupId := uuid.NewString()

	connect := func() *network.NatsNetwork {
		net, err := network.NewNatsNetwork(groupId, natsUrl, nil)
		require.NoError(t, err)
		t.Cleanup(func() { net.Close() })
		return net
	}

	endpoints := make(map[string]*network.NatsNetwork)
	c := newCluster(t, 3, func(id string) network.Network {
		endpoints[id] = connect()
		return endpoints[id]
	}, nil)

	// each proposal reaches one replica, which forwards it to the leader if needed
	for _, r := range c.replicas {
		srv := r.server
		require.NoError(t, endpoints[srv.Id].SubscribeProposals(func(data []byte) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := srv.Propose(ctx, data); err != nil {
				t.Logf("%s dropped proposal: %s", srv.Id, err)
			}
		}))
	}

	c.waitForLeader(t)
	// wait until every replica knows the leader, so no proposal is dropped
	require.Eventually(t, func() bool {
		for _, r := range c.replicas {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			status, err := r.server.Status(ctx)
			cancel()
			if err != nil || status.Leader.IsZero() {
				return false
			}
		}
		return true
	}, clusterDeadline, pollInterval)

	client := connect()
	for i := 0; i < 10; i++ {
		require.NoError(t, client.Propose([]byte(fmt.Sprintf("entry-%d", i))))
	}

	waitForConvergence(t, c.replicas, 10)
	checkStateMachines(t, c.replicas)
	c.checkSafety(t)
}
