package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-fieldlink/link"
)

func TestManager_AddGet(t *testing.T) {
	m := NewManager(nil)

	conn := &stubConn{}
	require.NoError(t, m.Add("plc-1", conn))

	got, ok := m.Get("plc-1")
	require.True(t, ok)
	assert.Same(t, conn, got)

	_, ok = m.Get("plc-2")
	assert.False(t, ok)

	assert.Equal(t, 1, m.Len())
}

func TestManager_AddValidation(t *testing.T) {
	require := require.New(t)

	m := NewManager(nil)

	first := &stubConn{}
	require.NoError(m.Add("plc-1", first))

	err := m.Add("plc-1", &stubConn{})
	require.ErrorIs(err, link.ErrConfiguration)
	require.ErrorContains(err, "already exists")

	// the stored connection survives the rejected add
	got, ok := m.Get("plc-1")
	require.True(ok)
	require.Same(first, got)

	err = m.Add("", &stubConn{})
	require.ErrorIs(err, link.ErrConfiguration)
	require.ErrorContains(err, "empty connection name")

	err = m.Add("plc-2", nil)
	require.ErrorIs(err, link.ErrConfiguration)
	require.ErrorContains(err, "nil connection")
}

func TestManager_Remove(t *testing.T) {
	m := NewManager(nil)

	conn := &stubConn{}
	require.NoError(t, m.Add("plc-1", conn))

	require.NoError(t, m.Remove("plc-1"))
	assert.Equal(t, 1, conn.closeCount())
	assert.Equal(t, 0, m.Len())

	// removing an unknown name is a no-op
	require.NoError(t, m.Remove("plc-1"))
	assert.Equal(t, 1, conn.closeCount())
}

func TestManager_RemoveCloseError(t *testing.T) {
	m := NewManager(nil)

	wantErr := errors.New("close failed")
	conn := &stubConn{closeErr: wantErr}
	require.NoError(t, m.Add("plc-1", conn))

	require.ErrorIs(t, m.Remove("plc-1"), wantErr)

	// the connection is gone even though closing it failed
	assert.Equal(t, 0, m.Len())
}

func TestManager_CloseAll(t *testing.T) {
	m := NewManager(nil)

	bad1 := &stubConn{closeErr: errors.New("port gone")}
	bad2 := &stubConn{closeErr: errors.New("link wedged")}
	good := &stubConn{}

	require.NoError(t, m.Add("bad-1", bad1))
	require.NoError(t, m.Add("bad-2", bad2))
	require.NoError(t, m.Add("good", good))

	err := m.CloseAll()

	// every failed close surfaces in the joined error, tagged with its name
	require.ErrorIs(t, err, bad1.closeErr)
	require.ErrorIs(t, err, bad2.closeErr)
	assert.ErrorContains(t, err, `close "bad-1"`)
	assert.ErrorContains(t, err, `close "bad-2"`)

	// every connection was closed despite the failures
	assert.Equal(t, 1, bad1.closeCount())
	assert.Equal(t, 1, bad2.closeCount())
	assert.Equal(t, 1, good.closeCount())
	assert.Equal(t, 0, m.Len())
}

func TestManager_Names(t *testing.T) {
	m := NewManager(nil)
	assert.Empty(t, m.Names())

	require.NoError(t, m.Add("zeta", &stubConn{}))
	require.NoError(t, m.Add("alpha", &stubConn{}))

	assert.Equal(t, []string{"alpha", "zeta"}, m.Names())
}
