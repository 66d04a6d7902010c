package distributor

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/firecore/platform/internal/model"
)

type recordingBroadcaster struct {
	topics []string
}

func (r *recordingBroadcaster) Broadcast(topic string, data []byte) {
	r.topics = append(r.topics, topic)
}

func TestWebsocketSink_BroadcastsSpecLiteralTopics(t *testing.T) {
	b := &recordingBroadcaster{}
	sink := NewWebsocketSink(b)

	require.NoError(t, sink.Send(context.Background(), &model.AlarmEvent{ID: 1, Severity: model.SeverityHigh}))
	require.Equal(t, []string{"alarm/all", "alarm/high"}, b.topics)
}

func TestPubSubSink_PublishesSpecLiteralChannels(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink := NewPubSubSink(client)
	ctx := context.Background()

	subAll := client.Subscribe(ctx, "alarm/all")
	defer subAll.Close()
	_, err := subAll.Receive(ctx)
	require.NoError(t, err)

	subLow := client.Subscribe(ctx, "alarm/low")
	defer subLow.Close()
	_, err = subLow.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, sink.Send(ctx, &model.AlarmEvent{ID: 1, Severity: model.SeverityLow}))

	require.NotNil(t, <-subAll.Channel())
	require.NotNil(t, <-subLow.Channel())
}
