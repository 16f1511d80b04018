package kafka

import (
	"context"
	"errors"
	"testing"

	"bidding-kb-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

type stubProcessor struct {
	err  error
	seen []tasks.FileTask
}

func (s *stubProcessor) Handle(_ context.Context, task tasks.FileTask) error {
	s.seen = append(s.seen, task)
	return s.err
}

type memAttempts struct {
	counts map[string]int64
	err    error
}

func (m *memAttempts) Incr(_ context.Context, fileID string) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.counts[fileID]++
	return m.counts[fileID], nil
}

func (m *memAttempts) Reset(_ context.Context, fileID string) error {
	delete(m.counts, fileID)
	return nil
}

func msg(v string) kafka.Message {
	return kafka.Message{Value: []byte(v)}
}

func TestHandleMessageSuccessResetsAttempts(t *testing.T) {
	p := &stubProcessor{}
	a := &memAttempts{counts: map[string]int64{"f1": 2}}

	assert.True(t, handleMessage(context.Background(), msg(`{"file_id":"f1","reason":"upload"}`), p, a))
	assert.Equal(t, []tasks.FileTask{{FileID: "f1", Reason: tasks.ReasonUpload}}, p.seen)
	assert.NotContains(t, a.counts, "f1")
}

func TestHandleMessageMalformedIsCommitted(t *testing.T) {
	p := &stubProcessor{}
	a := &memAttempts{counts: map[string]int64{}}

	assert.True(t, handleMessage(context.Background(), msg(`not json`), p, a))
	assert.True(t, handleMessage(context.Background(), msg(`{"reason":"upload"}`), p, a))
	assert.Empty(t, p.seen)
}

func TestHandleMessageRetriesUntilLimit(t *testing.T) {
	p := &stubProcessor{err: errors.New("db down")}
	a := &memAttempts{counts: map[string]int64{}}
	m := msg(`{"file_id":"f2","reason":"resume"}`)

	assert.False(t, handleMessage(context.Background(), m, p, a))
	assert.False(t, handleMessage(context.Background(), m, p, a))
	assert.True(t, handleMessage(context.Background(), m, p, a))
	assert.EqualValues(t, 3, a.counts["f2"])
}

func TestHandleMessageCounterUnavailable(t *testing.T) {
	p := &stubProcessor{err: errors.New("db down")}
	a := &memAttempts{counts: map[string]int64{}, err: errors.New("redis down")}

	assert.False(t, handleMessage(context.Background(), msg(`{"file_id":"f3"}`), p, a))
}

func TestBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, brokers(" a:9092, ,b:9092"))
}
