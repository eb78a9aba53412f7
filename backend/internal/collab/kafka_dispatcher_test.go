package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readsync/backend/internal/tester"
)

func testDispatcherOptions() KafkaDispatcherOptions {
	return KafkaDispatcherOptions{
		QueueSize:   8,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestKafkaDispatcher_PublishesKeyedByDocument(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "d1" {
			return errors.New("unexpected key " + string(key))
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var evt DocUpdateEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return err
		}
		if evt.Version != 7 || evt.EventType != EventUpdateApplied {
			return errors.New("unexpected event payload")
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "doc-updates", NewSemaphoreControl(1), testDispatcherOptions())
	require.NoError(t, d.Enqueue(context.Background(), DocUpdateEvent{EventType: EventUpdateApplied, DocID: "d1", Version: 7}))
	d.Close()
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcher_RetriesThenSucceeds(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)
	producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "doc-updates", nil, testDispatcherOptions())
	require.NoError(t, d.Enqueue(context.Background(), DocUpdateEvent{DocID: "d1", Version: 1}))
	d.Close()
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcher_EnqueueAfterClose(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	d := NewKafkaDispatcher(producer, "doc-updates", nil, testDispatcherOptions())
	d.Close()
	d.Close()

	err := d.Enqueue(context.Background(), DocUpdateEvent{DocID: "d1"})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
	require.NoError(t, producer.Close())
}

func TestEngine_PublishesCommittedUpdates(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	d := NewKafkaDispatcher(producer, "doc-updates", nil, testDispatcherOptions())

	e := newTestEngine(t, tester.NewStore(t), Options{Policy: PolicyRejectStale, Dispatcher: d})
	sub := newRecorder()
	join(t, e, "d1", sub)

	ctx := context.Background()
	for v := int64(0); v < 2; v++ {
		_, err := e.Submit(ctx, "d1", sub, Update{ClientVersion: v, Payload: []byte("x")})
		require.NoError(t, err)
	}
	// a stale update is not published
	_, err := e.Submit(ctx, "d1", sub, Update{ClientVersion: 0, Payload: []byte("x")})
	require.NoError(t, err)

	d.Close()
	require.NoError(t, producer.Close())
}
