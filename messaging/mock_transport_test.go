package messaging

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
)

// mockTransport scripts blocking subscribe results with testify expectations
type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Publish(ctx context.Context, channel, payload string) (int64, error) {
	args := m.Called(ctx, channel, payload)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockTransport) Subscribe(ctx context.Context, h Handler, channels ...string) error {
	args := m.Called(ctx, h, channels)
	return args.Error(0)
}

func (m *mockTransport) PSubscribe(ctx context.Context, h Handler, patterns ...string) error {
	args := m.Called(ctx, h, patterns)
	return args.Error(0)
}

func (m *mockTransport) Close() error {
	return m.Called().Error(0)
}

// sentPacket is one publish captured by publishRecorder
type sentPacket struct {
	channel string
	payload string
}

// publishRecorder is a PublishFunc that keeps everything it was asked to send
type publishRecorder struct {
	mu   sync.Mutex
	sent []sentPacket
	err  error
}

func (r *publishRecorder) publish(_ context.Context, channel, payload string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.sent = append(r.sent, sentPacket{channel: channel, payload: payload})
	return 1, nil
}

func (r *publishRecorder) packets() []sentPacket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentPacket(nil), r.sent...)
}
