package edgex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	subscribed []string
	messages   [][]byte
	idx        int
	closed     bool
}

func (f *fakeConn) WriteJSON(v any) error {
	msg, ok := v.(subscribeMessage)
	if ok {
		f.subscribed = append(f.subscribed, msg.Channel)
	}
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	if f.idx >= len(f.messages) {
		return 0, nil, errors.New("connection closed")
	}
	m := f.messages[f.idx]
	f.idx++
	return 1, m, nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestTickerStreamCachesLast(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{messages: [][]byte{
		[]byte(`{"channel":"ticker.10000001","content":{"data":[{"oraclePrice":"50100.5"}]}}`),
		[]byte(`not json at all`),
		[]byte(`{"channel":"ticker.10000001","content":{"data":[{"lastPrice":"50200.0"}]}}`),
	}}

	s := NewTickerStream("ws://test", "10000001", zap.NewNop())
	s.dial = func(ctx context.Context, url string) (wsConn, error) { return conn, nil }

	_, ok := s.Last()
	assert.False(t, ok, "no price before first tick")

	err := s.session(context.Background())
	require.Error(t, err, "session ends when the feed closes")

	last, ok := s.Last()
	require.True(t, ok)
	assert.InDelta(t, 50200.0, last, 1e-9, "lastPrice used when oraclePrice absent")
	assert.Equal(t, []string{"ticker.10000001"}, conn.subscribed)
}

func TestTickerStreamContextCancel(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	s := NewTickerStream("ws://test", "10000001", zap.NewNop())
	s.dial = func(ctx context.Context, url string) (wsConn, error) { return conn, nil }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- s.session(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err, "cancelled context reads back as clean shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop on context cancel")
	}
}
