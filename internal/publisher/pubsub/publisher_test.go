package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type runSummary struct {
	RunID   string `json:"run_id"`
	Trigger string `json:"trigger"`
}

func (r runSummary) PublishAttributes() map[string]string {
	return map[string]string{"trigger": r.Trigger}
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "gradepop-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/gradepop-test/topics/runs"})
	require.NoError(t, err)

	pub := New(client.Publisher("runs"))
	t.Cleanup(pub.Stop)

	id, err := pub.Publish(ctx, "run.completed", runSummary{RunID: "r-1", Trigger: "manual"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "run.completed", msgs[0].Attributes["event"])
	require.Equal(t, "manual", msgs[0].Attributes["trigger"])

	var got runSummary
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "r-1", got.RunID)
}

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "run.completed", "x")
	require.Error(t, err)

	var nilPub *Publisher
	nilPub.Stop()
}
