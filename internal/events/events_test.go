package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectWithoutURLIsNop(t *testing.T) {
	p, closeFn, err := Connect("", "fleet", nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)

	p.Publish(context.Background(), RentalCreated, map[string]string{"id": "r-1"})
	closeFn()
}

func TestConnectUnreachable(t *testing.T) {
	_, _, err := Connect("nats://127.0.0.1:1", "fleet", nil)
	assert.Error(t, err)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "fleet.rental.created", Subject("fleet", RentalCreated))
	assert.Equal(t, "node.connected", Subject("", NodeConnected))
}

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	r.Publish(ctx, RentalCreated, nil)
	r.Publish(ctx, RentalStarted, nil)
	r.Publish(ctx, RentalCreated, nil)

	assert.Equal(t, []string{RentalCreated, RentalStarted, RentalCreated}, r.Subjects())
	assert.Equal(t, 2, r.Count(RentalCreated))
	assert.Zero(t, r.Count(RentalCancelled))
}
