package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orders/internal/clients"
	"github.com/vladislavdragonenkov/orders/internal/domain"
)

type stubRequester struct {
	calls   int
	pattern string
	topic   string
	ids     []string
	reply   []domain.Product
	err     error
}

func (s *stubRequester) Request(_ context.Context, topic, pattern string, payload, out any) error {
	s.calls++
	s.topic = topic
	s.pattern = pattern
	s.ids = payload.([]string)
	if s.err != nil {
		return s.err
	}
	body, err := json.Marshal(s.reply)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

type outcomeRecorder struct {
	outcomes []string
}

func (o *outcomeRecorder) ObserveRemoteCall(_ string, outcome string, _ time.Duration) {
	o.outcomes = append(o.outcomes, outcome)
}

func products() []domain.Product {
	return []domain.Product{
		{ID: "p-1", Name: "Keyboard", Price: decimal.RequireFromString("10.00")},
		{ID: "p-2", Name: "Mouse", Price: decimal.RequireFromString("5.00")},
	}
}

func TestValidate_DeduplicatesAndIndexes(t *testing.T) {
	requester := &stubRequester{reply: products()}
	recorder := &outcomeRecorder{}
	client := NewClient(requester, "products.requests", clients.DefaultBreakerConfig(), WithObserver(recorder))

	got, err := client.Validate(context.Background(), []string{"p-1", "p-2", "p-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "Keyboard", got["p-1"].Name)
	require.True(t, got["p-2"].Price.Equal(decimal.NewFromInt(5)))

	require.Equal(t, []string{"p-1", "p-2"}, requester.ids)
	require.Equal(t, PatternValidateProducts, requester.pattern)
	require.Equal(t, "products.requests", requester.topic)
	require.Equal(t, []string{clients.OutcomeOK}, recorder.outcomes)
}

func TestValidate_EmptyInput(t *testing.T) {
	requester := &stubRequester{}
	client := NewClient(requester, "products.requests", clients.DefaultBreakerConfig())

	_, err := client.Validate(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrItemsRequired)
	require.Zero(t, requester.calls)
}

func TestValidate_MissingProduct(t *testing.T) {
	requester := &stubRequester{reply: products()[:1]}
	client := NewClient(requester, "products.requests", clients.DefaultBreakerConfig())

	_, err := client.Validate(context.Background(), []string{"p-1", "p-2"})
	require.ErrorIs(t, err, domain.ErrProductValidation)
	require.Contains(t, err.Error(), "p-2")
}

func TestValidate_RemoteRejection(t *testing.T) {
	requester := &stubRequester{err: &domain.RemoteError{Service: "catalog", Status: 400, Message: "Products were not found"}}
	client := NewClient(requester, "products.requests", clients.BreakerConfig{ConsecutiveFailures: 1, OpenTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := client.Validate(context.Background(), []string{"p-9"})
		require.ErrorIs(t, err, domain.ErrProductValidation)
		var remote *domain.RemoteError
		require.ErrorAs(t, err, &remote)
	}
	// Бизнес-отказы не размыкают breaker
	require.Equal(t, 3, requester.calls)
}

func TestValidate_BreakerOpensOnUnavailability(t *testing.T) {
	requester := &stubRequester{err: errors.Join(domain.ErrUpstreamUnavailable, errors.New("reply timeout"))}
	recorder := &outcomeRecorder{}
	client := NewClient(requester, "products.requests", clients.BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute}, WithObserver(recorder))

	for i := 0; i < 2; i++ {
		_, err := client.Validate(context.Background(), []string{"p-1"})
		require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	}

	_, err := client.Validate(context.Background(), []string{"p-1"})
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	require.Equal(t, 2, requester.calls, "open breaker must fail fast without a remote call")
	require.Equal(t, []string{clients.OutcomeUnavailable, clients.OutcomeUnavailable, clients.OutcomeOpen}, recorder.outcomes)
}

func TestMockValidator(t *testing.T) {
	mock := NewMockValidator(products()...)

	got, err := mock.Validate(context.Background(), []string{"p-1"})
	require.NoError(t, err)
	require.Equal(t, "Keyboard", got["p-1"].Name)

	_, err = mock.Validate(context.Background(), []string{"p-404"})
	require.ErrorIs(t, err, domain.ErrProductValidation)

	mock.SetErr(errors.New("catalog down"))
	_, err = mock.Validate(context.Background(), []string{"p-1"})
	require.Error(t, err)
	require.Equal(t, 3, mock.CallCount())
	require.Equal(t, []string{"p-1"}, mock.LastIDs)
}
