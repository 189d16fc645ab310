package membroker_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/studiolambda/relay/broker/membroker"
	"github.com/studiolambda/relay/envelope"
)

func TestSendPayloadStreamDeliversAndConfirms(t *testing.T) {
	b := membroker.New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := b.Receive(ctx)
	require.NoError(t, err)

	payloadCh := make(chan envelope.Payload, 1)
	confirmedCh := make(chan envelope.Payload, 1)

	go func() {
		_ = b.SendPayloadStream(ctx, payloadCh, confirmedCh)
	}()

	payload := envelope.Payload{ID: uuid.New(), Subject: "something-happened", Body: map[string]any{}}
	payloadCh <- payload
	close(payloadCh)

	select {
	case confirmed := <-confirmedCh:
		require.Equal(t, payload.ID, confirmed.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for confirmation")
	}

	select {
	case msg := <-messages:
		require.Equal(t, payload.ID, msg.Payload().ID)
		msg.Acknowledge()
		msg.Acknowledge() // idempotent
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}
