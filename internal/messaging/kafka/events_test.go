package kafka

import (
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"
)

func TestEnvelopes(t *testing.T) {
	body, err := NewDataEnvelope(map[string]int{"total": 3})
	require.NoError(t, err)
	require.JSONEq(t, `{"data":{"total":3}}`, string(body))

	body, err = NewErrorEnvelope(ReplyError{Status: 404, Message: "Order with x not found", CorrelationID: "c-1"})
	require.NoError(t, err)
	require.JSONEq(t, `{"error":{"status":404,"message":"Order with x not found","correlationId":"c-1"}}`, string(body))

	env, err := ParseEnvelope(&sarama.ConsumerMessage{Value: body})
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	require.Equal(t, 404, env.Error.Status)

	_, err = ParseEnvelope(&sarama.ConsumerMessage{Value: []byte("{")})
	require.Error(t, err)

	_, err = NewDataEnvelope(json.RawMessage("{"))
	require.Error(t, err)
}

func TestHeaderHelpers(t *testing.T) {
	msg := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{
		nil,
		{Key: []byte(HeaderPattern), Value: []byte("find_one_order")},
		{Key: []byte(HeaderReplayCount), Value: []byte("2")},
	}}
	require.Equal(t, "find_one_order", Header(msg, HeaderPattern))
	require.Empty(t, Header(msg, HeaderReplyTo))
	require.Empty(t, Header(nil, HeaderReplyTo))
	require.Equal(t, 2, ReplayCount(msg))

	bad := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{{Key: []byte(HeaderReplayCount), Value: []byte("bad")}}}
	require.Zero(t, ReplayCount(bad))

	copied := copyHeaders(msg.Headers, HeaderReplayCount)
	require.Len(t, copied, 1)
	require.Equal(t, HeaderPattern, string(copied[0].Key))
}

func TestReplayHeaders(t *testing.T) {
	msg := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{
		{Key: []byte(HeaderPattern), Value: []byte("create_order")},
		{Key: []byte(HeaderOriginalTopic), Value: []byte(TopicOrderRequests)},
		{Key: []byte(HeaderOriginalOffset), Value: []byte("7")},
		{Key: []byte(HeaderErrorMessage), Value: []byte("boom")},
		{Key: []byte(HeaderFailedAt), Value: []byte("2026-01-01T00:00:00Z")},
		{Key: []byte(HeaderReplayCount), Value: []byte("1")},
	}}

	headers := ReplayHeaders(msg)
	require.Len(t, headers, 2)
	require.Equal(t, HeaderPattern, string(headers[0].Key))
	require.Equal(t, HeaderReplayCount, string(headers[1].Key))
	require.Equal(t, "2", string(headers[1].Value))

	first := ReplayHeaders(&sarama.ConsumerMessage{})
	require.Len(t, first, 1)
	require.Equal(t, "1", string(first[0].Value))
}
