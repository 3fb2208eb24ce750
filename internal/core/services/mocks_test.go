package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) Create(ctx context.Context, s *domain.Session) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSessionRepository) Get(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockSessionRepository) Update(ctx context.Context, s *domain.Session) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSessionRepository) Delete(ctx context.Context, code domain.SessionCode) error {
	args := m.Called(ctx, code)
	return args.Error(0)
}

func (m *MockSessionRepository) List(ctx context.Context) ([]*domain.Session, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Session), args.Error(1)
}

type MockPermissionStore struct {
	mock.Mock
}

func (m *MockPermissionStore) UpdatePermissions(ctx context.Context, code domain.SessionCode, role domain.Role, perms domain.Permissions) (*domain.Session, error) {
	args := m.Called(ctx, code, role, perms)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockPermissionStore) Get(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev domain.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []domain.SessionEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.SessionEventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// fakeInputChannel is an in-memory data channel shared by two ends.
type fakeInputChannel struct {
	mu     sync.Mutex
	subs   map[int]func([]byte)
	next   int
	sent   [][]byte
	peer   *fakeInputChannel
	sendFn func([]byte) error
}

func newFakeInputPair() (*fakeInputChannel, *fakeInputChannel) {
	a := &fakeInputChannel{subs: map[int]func([]byte){}}
	b := &fakeInputChannel{subs: map[int]func([]byte){}}
	a.peer, b.peer = b, a
	return a, b
}

func (c *fakeInputChannel) Send(data []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, data)
	fn := c.sendFn
	c.mu.Unlock()
	if fn != nil {
		return fn(data)
	}
	if c.peer != nil {
		c.peer.deliver(data)
	}
	return nil
}

func (c *fakeInputChannel) deliver(data []byte) {
	c.mu.Lock()
	subs := make([]func([]byte), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(data)
	}
}

func (c *fakeInputChannel) Subscribe(fn func([]byte)) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *fakeInputChannel) subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *fakeInputChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

var _ ports.InputChannel = (*fakeInputChannel)(nil)
