package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-fieldlink/link"
	"github.com/arloliu/go-fieldlink/logger"
)

// stubConn is a minimal link.Connection for catalog and manager tests.
type stubConn struct {
	mu       sync.Mutex
	closes   int
	closeErr error
}

func (s *stubConn) Open(_ context.Context) error { return nil }

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closes++

	return s.closeErr
}

func (s *stubConn) Send(_ *link.Message) error { return nil }

func (s *stubConn) State() link.ConnState { return link.DisconnectedState }

func (s *stubConn) AddConnStateChangeHandler(_ ...link.ConnStateChangeHandler) {}

func (s *stubConn) AddMessageHandler(_ ...link.MessageHandler) {}

func (s *stubConn) GetLogger() logger.Logger { return logger.GetLogger() }

func (s *stubConn) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closes
}

func stubFactory(conn link.Connection) Factory {
	return func(_ context.Context, _ any) (link.Connection, error) {
		return conn, nil
	}
}

func TestCatalog_Register(t *testing.T) {
	require := require.New(t)

	cat := NewCatalog()

	require.NoError(cat.Register("stub", stubFactory(&stubConn{})))

	err := cat.Register("stub", stubFactory(&stubConn{}))
	require.ErrorIs(err, link.ErrConfiguration)
	require.ErrorContains(err, "already registered")

	err = cat.Register("", stubFactory(&stubConn{}))
	require.ErrorIs(err, link.ErrConfiguration)
	require.ErrorContains(err, "empty protocol name")

	err = cat.Register("nil", nil)
	require.ErrorIs(err, link.ErrConfiguration)
	require.ErrorContains(err, "nil factory")
}

func TestCatalog_Build(t *testing.T) {
	cat := NewCatalog()

	want := &stubConn{}
	require.NoError(t, cat.Register("stub", stubFactory(want)))

	conn, err := cat.Build(context.Background(), "stub", nil)
	require.NoError(t, err)
	assert.Same(t, want, conn)

	_, err = cat.Build(context.Background(), "missing", nil)
	require.ErrorIs(t, err, link.ErrConfiguration)
	require.ErrorContains(t, err, "unknown protocol")
}

func TestCatalog_BuildFactoryError(t *testing.T) {
	cat := NewCatalog()

	wantErr := errors.New("factory exploded")
	require.NoError(t, cat.Register("bad", func(_ context.Context, _ any) (link.Connection, error) {
		return nil, wantErr
	}))

	_, err := cat.Build(context.Background(), "bad", nil)
	require.ErrorIs(t, err, wantErr)
}

func TestCatalog_Protocols(t *testing.T) {
	cat := NewCatalog()
	assert.Empty(t, cat.Protocols())

	require.NoError(t, cat.Register("zeta", stubFactory(&stubConn{})))
	require.NoError(t, cat.Register("alpha", stubFactory(&stubConn{})))
	require.NoError(t, cat.Register("mid", stubFactory(&stubConn{})))

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, cat.Protocols())
}
