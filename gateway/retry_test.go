package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/escrowerr"
	"escrowflow/gateway"
	"escrowflow/gateway/gatewaytest"
)

func fastRetry(fake gateway.Gateway, tries uint) *gateway.Retrying {
	return gateway.NewRetrying(fake, gateway.RetryOptions{
		Timeout:         time.Second,
		MaxTries:        tries,
		InitialInterval: time.Millisecond,
	})
}

func TestRetryingRecoversFromTransientFailures(t *testing.T) {
	fake := gatewaytest.New()
	fake.FailNext(2, errors.New("connection reset"))

	ref, err := fastRetry(fake, 4).CreateTransfer(context.Background(), gateway.TransferRequest{
		MilestoneID: "ms-1", Amount: 100, IdempotencyKey: gateway.IdempotencyKey("ms-1", "released", "transfer"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Len(t, fake.Calls(), 3)
	assert.Len(t, fake.Moves(), 1)
}

func TestRetryingGivesUpAsGatewayFailure(t *testing.T) {
	fake := gatewaytest.New()
	fake.FailNext(5, errors.New("timeout"))

	_, err := fastRetry(fake, 3).CreateRefund(context.Background(), gateway.RefundRequest{MilestoneID: "ms-1", Amount: 100})
	require.Error(t, err)
	assert.ErrorIs(t, err, escrowerr.GatewayFailure)
	assert.Len(t, fake.Calls(), 3)
}

func TestRetryingStopsOnDecline(t *testing.T) {
	fake := gatewaytest.New()
	fake.FailNext(3, gateway.ErrDeclined)

	_, err := fastRetry(fake, 4).CreateTransfer(context.Background(), gateway.TransferRequest{MilestoneID: "ms-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, escrowerr.GatewayFailure)
	assert.ErrorIs(t, err, gateway.ErrDeclined)
	assert.Len(t, fake.Calls(), 1)
}

// hangingGateway never answers a transfer until its context ends.
type hangingGateway struct {
	gateway.Gateway
}

func (hangingGateway) CreateTransfer(ctx context.Context, _ gateway.TransferRequest) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRetryingStaysWithinBudget(t *testing.T) {
	r := gateway.NewRetrying(hangingGateway{Gateway: gatewaytest.New()}, gateway.RetryOptions{
		Timeout:         time.Second,
		MaxElapsed:      150 * time.Millisecond,
		MaxTries:        10,
		InitialInterval: time.Millisecond,
	})

	start := time.Now()
	_, err := r.CreateTransfer(context.Background(), gateway.TransferRequest{MilestoneID: "ms-1", Amount: 100})
	require.Error(t, err)
	assert.ErrorIs(t, err, escrowerr.GatewayFailure)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryingMapsBadSignature(t *testing.T) {
	fake := gatewaytest.New()
	_, err := fastRetry(fake, 1).VerifyEvent([]byte(`{}`), "forged")
	assert.ErrorIs(t, err, escrowerr.InvalidSignature)
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "ms-1:released", gateway.IdempotencyKey("ms-1", "released"))
	assert.Equal(t, "ms-1:split:refund", gateway.IdempotencyKey("ms-1", "split", "refund"))
}
