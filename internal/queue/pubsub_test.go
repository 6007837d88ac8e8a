package queue

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// newTestPubSubBroker runs the broker against an in-process fake server.
func newTestPubSubBroker(t *testing.T) *PubSubBroker {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(ctx, "scenepipe-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	b := NewPubSubBroker(client, WithTopicPrefix("test-"))
	t.Cleanup(func() { b.Close() })
	require.NoError(t, b.EnsureQueues(ctx, "download", "publish", "upload", "post"))
	return b
}

func TestPubSubBroker_Contract(t *testing.T) {
	runBrokerContract(t, func(t *testing.T) Broker {
		return newTestPubSubBroker(t)
	}, brokerCaps{})
}

func TestPubSubBroker_EnsureQueuesIdempotent(t *testing.T) {
	b := newTestPubSubBroker(t)
	require.NoError(t, b.EnsureQueues(context.Background(), "download"))
}

func TestPubSubBroker_DepthUnsupported(t *testing.T) {
	b := newTestPubSubBroker(t)
	_, err := b.Depth(context.Background(), "download")
	assert.True(t, errors.Is(err, errors.ErrUnsupported))
}
