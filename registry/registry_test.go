package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/studiolambda/relay/envelope"
	"github.com/studiolambda/relay/guard"
	"github.com/studiolambda/relay/registry"
)

func noopHandler(_ context.Context, _ envelope.Payload, _ registry.EventScheduler) error {
	return nil
}

func TestOnRegistersHandlerForEverySubject(t *testing.T) {
	r := registry.New()

	err := r.On([]string{"order-placed", "order-cancelled"}, guard.AtLeastOnce, time.Second)(noopHandler)
	require.NoError(t, err)

	mapping := r.Mapping()
	require.Contains(t, mapping, "order-placed")
	require.Contains(t, mapping, "order-cancelled")
	require.Equal(t, guard.AtLeastOnce, mapping["order-placed"].Guarantee)
}

func TestOnRejectsDuplicateSubject(t *testing.T) {
	r := registry.New()

	require.NoError(t, r.On([]string{"order-placed"}, guard.AtLeastOnce, time.Second)(noopHandler))
	err := r.On([]string{"order-placed"}, guard.AtLeastOnce, time.Second)(noopHandler)
	require.ErrorIs(t, err, registry.ErrDuplicateRegistration)
}

func TestOnRejectsNonPositiveDelay(t *testing.T) {
	r := registry.New()

	err := r.On([]string{"order-placed"}, guard.AtLeastOnce, 0)(noopHandler)
	require.ErrorIs(t, err, registry.ErrInvalidDelay)

	err = r.On([]string{"order-placed"}, guard.AtLeastOnce, -time.Second)(noopHandler)
	require.ErrorIs(t, err, registry.ErrInvalidDelay)
}

func TestMustOnPanicsOnFailure(t *testing.T) {
	r := registry.New()

	require.Panics(t, func() {
		r.MustOn([]string{"order-placed"}, guard.AtLeastOnce, 0)(noopHandler)
	})
}

func TestMappingIsASnapshot(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.On([]string{"order-placed"}, guard.AtLeastOnce, time.Second)(noopHandler))

	mapping := r.Mapping()
	delete(mapping, "order-placed")

	require.Contains(t, r.Mapping(), "order-placed")
}
