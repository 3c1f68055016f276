package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antithesishq/antithesis-sdk-go/assert"
	"github.com/antithesishq/antithesis-sdk-go/lifecycle"
	"github.com/antithesishq/antithesis-sdk-go/random"
	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"

	"core-raft/network"
)

func main() {
	var (
		groupId       string
		natsUrl       string
		setupDelay    time.Duration
		proposeEvery  time.Duration
		maxPayloadLen int
	)
	flag.StringVar(&groupId, "group-id", "", "raft group id")
	flag.StringVar(&natsUrl, "nats-url", nats.DefaultURL, "nats url")
	flag.DurationVar(&setupDelay, "setup-delay", 3*time.Second, "time given to replicas to elect a leader")
	flag.DurationVar(&proposeEvery, "interval", 100*time.Millisecond, "delay between proposals")
	flag.IntVar(&maxPayloadLen, "max-payload", 64, "maximum proposal size in bytes")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{Name: "workload"})
	fatalErr := func(err error) {
		logger.Error(err.Error())
		os.Exit(1)
	}

	if groupId == "" {
		fatalErr(fmt.Errorf("missing required argument: group-id"))
	}
	if maxPayloadLen <= 0 {
		fatalErr(fmt.Errorf("max-payload must be positive"))
	}

	client, err := network.NewNatsNetwork(groupId, natsUrl, logger)
	if err != nil {
		fatalErr(fmt.Errorf("failed to connect: %w", err))
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// proposals sent before a leader exists are dropped by the replicas
	select {
	case <-time.After(setupDelay):
	case <-ctx.Done():
		return
	}

	// If running in antithesis, signal setup is complete
	lifecycle.SetupComplete(map[string]any{"group": groupId})

	ticker := time.NewTicker(proposeEvery)
	defer ticker.Stop()
	var sent, failed int
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping", "sent", sent, "failed", failed)
			return
		case <-ticker.C:
			payload := randomPayload(maxPayloadLen)
			err := client.Propose(payload)
			assert.Sometimes(err == nil, "Workload publishes proposals", map[string]any{"error": fmt.Sprint(err)})
			if err != nil {
				failed++
				logger.Warn("failed to publish proposal", "error", err)
				continue
			}
			sent++
			if sent%100 == 0 {
				logger.Info("published proposals", "sent", sent, "failed", failed)
			}
		}
	}
}

func randomPayload(maxLen int) []byte {
	payload := make([]byte, 1+random.GetRandom()%uint64(maxLen))
	for i := range payload {
		payload[i] = byte(random.GetRandom())
	}
	return payload
}
