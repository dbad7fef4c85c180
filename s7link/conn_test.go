package s7link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/robinson/gos7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-fieldlink/internal/util"
	"github.com/arloliu/go-fieldlink/link"
)

const fakeImageSize = 1024

// fakePLC is an in-memory CPU image behind the Client interface.
type fakePLC struct {
	mu          sync.Mutex
	dbs         map[int][]byte
	merker      []byte
	statusCalls int
	statusErr   error

	failCountdown int
	failErr       error
}

func newFakePLC() *fakePLC {
	return &fakePLC{
		dbs:    make(map[int][]byte),
		merker: make([]byte, fakeImageSize),
	}
}

// image must be called with the mutex held.
func (f *fakePLC) image(db int) []byte {
	buf, ok := f.dbs[db]
	if !ok {
		buf = make([]byte, fakeImageSize)
		f.dbs[db] = buf
	}

	return buf
}

// exchangeErr must be called with the mutex held. It arms one failure n
// exchanges in the future.
func (f *fakePLC) exchangeErr() error {
	if f.failErr == nil {
		return nil
	}

	f.failCountdown--
	if f.failCountdown <= 0 {
		err := f.failErr
		f.failErr = nil

		return err
	}

	return nil
}

// failAfter makes the n-th upcoming data exchange fail with err.
func (f *fakePLC) failAfter(n int, err error) {
	f.mu.Lock()
	f.failCountdown = n
	f.failErr = err
	f.mu.Unlock()
}

func (f *fakePLC) setStatusErr(err error) {
	f.mu.Lock()
	f.statusErr = err
	f.mu.Unlock()
}

func (f *fakePLC) statusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.statusCalls
}

func (f *fakePLC) presetDB(db, start int, data []byte) {
	f.mu.Lock()
	copy(f.image(db)[start:], data)
	f.mu.Unlock()
}

func (f *fakePLC) dbBytes(db, start, size int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return util.CloneSlice(f.image(db)[start:start+size], 0)
}

func (f *fakePLC) presetMerker(start int, data []byte) {
	f.mu.Lock()
	copy(f.merker[start:], data)
	f.mu.Unlock()
}

func (f *fakePLC) merkerBytes(start, size int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return util.CloneSlice(f.merker[start:start+size], 0)
}

func (f *fakePLC) AGReadDB(db, start, size int, buffer []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.exchangeErr(); err != nil {
		return err
	}

	image := f.image(db)
	if start < 0 || start+size > len(image) {
		return fmt.Errorf("DB%d read [%d, %d) beyond image", db, start, start+size)
	}
	copy(buffer, image[start:start+size])

	return nil
}

func (f *fakePLC) AGWriteDB(db, start, size int, buffer []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.exchangeErr(); err != nil {
		return err
	}

	image := f.image(db)
	if start < 0 || start+size > len(image) {
		return fmt.Errorf("DB%d write [%d, %d) beyond image", db, start, start+size)
	}
	copy(image[start:start+size], buffer[:size])

	return nil
}

func (f *fakePLC) AGReadMB(start, size int, buffer []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.exchangeErr(); err != nil {
		return err
	}

	if start < 0 || start+size > len(f.merker) {
		return fmt.Errorf("merker read [%d, %d) beyond image", start, start+size)
	}
	copy(buffer, f.merker[start:start+size])

	return nil
}

func (f *fakePLC) AGWriteMB(start, size int, buffer []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.exchangeErr(); err != nil {
		return err
	}

	if start < 0 || start+size > len(f.merker) {
		return fmt.Errorf("merker write [%d, %d) beyond image", start, start+size)
	}
	copy(f.merker[start:start+size], buffer[:size])

	return nil
}

func (f *fakePLC) PLCGetStatus() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusCalls++
	if f.statusErr != nil {
		return 0, f.statusErr
	}

	return 0x08, nil // run
}

// fakeDialer hands the fake PLC to the connection in place of a real one and
// counts dial attempts.
type fakeDialer struct {
	mu    sync.Mutex
	plc   *fakePLC
	err   error
	dials int
}

func (d *fakeDialer) dial(_ *gos7.TCPClientHandler) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.err != nil {
		return nil, d.err
	}

	return d.plc, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dials
}

func openCtx(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)

	return ctx
}

// stateRecorder collects state change notifications in delivery order.
type stateRecorder struct {
	mu     sync.Mutex
	states []link.ConnState
}

func (r *stateRecorder) handler(_ link.Connection, _ link.ConnState, newState link.ConnState) {
	r.mu.Lock()
	r.states = append(r.states, newState)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []link.ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]link.ConnState, len(r.states))
	copy(out, r.states)

	return out
}

func (r *stateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.states)
}

// msgCollector collects delivered messages in delivery order.
type msgCollector struct {
	mu   sync.Mutex
	msgs []*link.Message
}

func (c *msgCollector) handler(_ link.Connection, msg *link.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *msgCollector) snapshot() []*link.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*link.Message, len(c.msgs))
	copy(out, c.msgs)

	return out
}

func (c *msgCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.msgs)
}

func newTestConn(t *testing.T, dialer *fakeDialer, opts ...ConnOption) *Connection {
	t.Helper()

	opts = append([]ConnOption{WithDialer(dialer.dial)}, opts...)

	cfg, err := NewConnectionConfig("127.0.0.1", 102, opts...)
	require.NoError(t, err)

	conn, err := NewConnection(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func newOpenConn(t *testing.T, plc *fakePLC, opts ...ConnOption) *Connection {
	t.Helper()

	conn := newTestConn(t, &fakeDialer{plc: plc}, opts...)
	require.NoError(t, conn.Open(openCtx(t)))

	return conn
}

func TestConnection_NilConfig(t *testing.T) {
	_, err := NewConnection(context.Background(), nil)
	require.ErrorIs(t, err, link.ErrConnConfigNil)
}

func TestConnection_DBWordOps(t *testing.T) {
	plc := newFakePLC()
	conn := newOpenConn(t, plc)

	require.NoError(t, conn.WriteDBWord(1, 10, 0xABCD))

	v, err := conn.ReadDBWord(1, 10)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xABCD), v)

	// words land big-endian in PLC memory
	assert.Equal(t, []byte{0xAB, 0xCD}, plc.dbBytes(1, 10, 2))

	require.NoError(t, conn.WriteDBDWord(1, 20, 0x01020304))

	dw, err := conn.ReadDBDWord(1, 20)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), dw)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, plc.dbBytes(1, 20, 4))

	require.NoError(t, conn.WriteDBByte(1, 0, 0x5A))

	b, err := conn.ReadDBByte(1, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x5A), b)
}

func TestConnection_DBFloat32RoundTrip(t *testing.T) {
	plc := newFakePLC()
	conn := newOpenConn(t, plc)

	require.NoError(t, conn.WriteDBFloat32(5, 12, 3.14))

	// REAL values are IEEE 754 big-endian in PLC memory
	assert.Equal(t, []byte{0x40, 0x48, 0xF5, 0xC3}, plc.dbBytes(5, 12, 4))

	v, err := conn.ReadDBFloat32(5, 12)
	require.NoError(t, err)
	assert.InDelta(t, 3.14, v, 1e-6)
}

func TestConnection_DBBitPreservesNeighbours(t *testing.T) {
	plc := newFakePLC()
	plc.presetDB(1, 0, []byte{0b01010101})

	conn := newOpenConn(t, plc)

	on, err := conn.ReadDBBit(1, 0, 0)
	require.NoError(t, err)
	assert.True(t, on)

	on, err = conn.ReadDBBit(1, 0, 1)
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, conn.WriteDBBit(1, 0, 1, true))
	assert.Equal(t, []byte{0b01010111}, plc.dbBytes(1, 0, 1))

	require.NoError(t, conn.WriteDBBit(1, 0, 0, false))
	assert.Equal(t, []byte{0b01010110}, plc.dbBytes(1, 0, 1))
}

func TestConnection_DBStringOps(t *testing.T) {
	plc := newFakePLC()
	conn := newOpenConn(t, plc)

	require.NoError(t, conn.WriteDBString(2, 0, 16, "pump-7"))

	// the two header bytes carry capacity and current length
	assert.Equal(t, []byte{16, 6}, plc.dbBytes(2, 0, 2))

	s, err := conn.ReadDBString(2, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, "pump-7", s)

	// a shorter new value must not expose characters of the longer old one
	require.NoError(t, conn.WriteDBString(2, 0, 16, "ok"))
	s, err = conn.ReadDBString(2, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, "ok", s)

	err = conn.WriteDBString(2, 0, 4, "too long")
	require.ErrorIs(t, err, link.ErrProtocol)

	plc.presetDB(3, 0, []byte{4, 9})
	_, err = conn.ReadDBString(3, 0, 4)
	require.ErrorIs(t, err, link.ErrProtocol)
	require.ErrorContains(t, err, "malformed string")
}

func TestConnection_MerkerOps(t *testing.T) {
	plc := newFakePLC()
	plc.presetMerker(0, []byte{0b00000100})

	conn := newOpenConn(t, plc)

	on, err := conn.ReadMerkerBit(0, 2)
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, conn.WriteMerkerBit(0, 7, true))
	assert.Equal(t, []byte{0b10000100}, plc.merkerBytes(0, 1))

	require.NoError(t, conn.WriteMerkerWord(10, 500))
	w, err := conn.ReadMerkerWord(10)
	require.NoError(t, err)
	assert.Equal(t, uint16(500), w)
	assert.Equal(t, []byte{0x01, 0xF4}, plc.merkerBytes(10, 2))

	require.NoError(t, conn.WriteMerkerDWord(20, 0xDEADBEEF))
	dw, err := conn.ReadMerkerDWord(20)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), dw)

	require.NoError(t, conn.WriteMerkerFloat32(24, -1.5))
	f, err := conn.ReadMerkerFloat32(24)
	require.NoError(t, err)
	assert.InDelta(t, -1.5, f, 1e-6)

	require.NoError(t, conn.WriteMerkerByte(30, 0xAA))
	b, err := conn.ReadMerkerByte(30)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), b)
}

func TestConnection_OperandValidation(t *testing.T) {
	// bounds are checked before connectivity; a connection that was never
	// opened proves no transport call is involved
	conn := newTestConn(t, &fakeDialer{plc: newFakePLC()})

	_, err := conn.ReadDBWord(0, 0)
	require.ErrorIs(t, err, link.ErrProtocol)
	require.ErrorContains(t, err, "data block number")

	_, err = conn.ReadDBWord(1, -1)
	require.ErrorIs(t, err, link.ErrProtocol)

	_, err = conn.ReadDBBit(1, 0, 8)
	require.ErrorIs(t, err, link.ErrProtocol)
	require.ErrorContains(t, err, "bit index")

	_, err = conn.ReadMerkerWord(65535)
	require.ErrorIs(t, err, link.ErrProtocol)

	err = conn.WriteDBString(1, 0, 255, "x")
	require.ErrorIs(t, err, link.ErrProtocol)
	require.ErrorContains(t, err, "string capacity")

	// a valid operand on a closed link fails with not connected, proving
	// the checks run first
	_, err = conn.ReadDBWord(1, 0)
	require.ErrorIs(t, err, link.ErrNotConnected)
}

func TestConnection_NotConnected(t *testing.T) {
	conn := newTestConn(t, &fakeDialer{plc: newFakePLC()})

	_, err := conn.ReadMerkerByte(0)
	require.ErrorIs(t, err, link.ErrNotConnected)
	assert.True(t, link.IsTransport(err))

	err = conn.WriteDBWord(1, 0, 1)
	require.ErrorIs(t, err, link.ErrNotConnected)

	err = conn.Send(link.NewCommand("READ DB1.DBW0"))
	require.ErrorIs(t, err, link.ErrNotConnected)

	err = conn.Send(nil)
	require.ErrorContains(t, err, "message is nil")
}

func TestConnection_OpenIdempotent(t *testing.T) {
	conn := newTestConn(t, &fakeDialer{plc: newFakePLC()})

	recorder := &stateRecorder{}
	conn.AddConnStateChangeHandler(recorder.handler)

	require.NoError(t, conn.Open(openCtx(t)))
	require.Equal(t, []link.ConnState{link.ConnectingState, link.ConnectedState}, recorder.snapshot())

	// a second open on a connected link changes nothing and notifies nobody
	require.NoError(t, conn.Open(openCtx(t)))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, recorder.count())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return conn.State() == link.DisconnectedState
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, recorder.count())

	// closing again is a no-op
	require.NoError(t, conn.Close())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, recorder.count())
}

func TestConnection_OpenFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}

	conn := newTestConn(t, dialer, WithAutoReconnect(false))

	err := conn.Open(openCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, link.ErrConnectFailed)
	assert.True(t, link.IsConnect(err))
	assert.Equal(t, link.ErrorState, conn.State())
	assert.Equal(t, 0, conn.Supervisor().Attempts())
}

func TestConnection_ReconnectUntilPLCAppears(t *testing.T) {
	plc := newFakePLC()
	plc.presetDB(1, 0, []byte{0x00, 0x2A})

	dialer := &fakeDialer{plc: plc, err: errors.New("connection refused")}

	conn := newTestConn(t, dialer, WithReconnectInterval(50*time.Millisecond))
	require.Error(t, conn.Open(openCtx(t)))

	require.Eventually(t, func() bool {
		return conn.Supervisor().Attempts() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// the PLC comes up, the supervisor finds it
	dialer.setErr(nil)

	require.Eventually(t, func() bool {
		return conn.StateMgr().IsConnected()
	}, 3*time.Second, 20*time.Millisecond)

	v, err := conn.ReadDBWord(1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), v)
	assert.GreaterOrEqual(t, dialer.dialCount(), 2)
}

func TestConnection_Heartbeat(t *testing.T) {
	plc := newFakePLC()
	conn := newOpenConn(t, plc, WithHeartbeatInterval(50*time.Millisecond))

	// the probe queries the CPU run state
	require.Eventually(t, func() bool {
		return plc.statusCount() >= 3
	}, 2*time.Second, 20*time.Millisecond)

	assert.GreaterOrEqual(t, conn.GetMetrics().HeartbeatSendCount.Load(), uint64(3))
	assert.Zero(t, conn.GetMetrics().HeartbeatErrCount.Load())
	assert.True(t, conn.StateMgr().IsConnected())
}

func TestConnection_HeartbeatFailureReconnects(t *testing.T) {
	plc := newFakePLC()
	conn := newOpenConn(t, plc,
		WithHeartbeatInterval(30*time.Millisecond),
		WithReconnectInterval(30*time.Millisecond),
	)

	plc.setStatusErr(errors.New("cpu stopped answering"))

	require.Eventually(t, func() bool {
		return conn.GetMetrics().HeartbeatErrCount.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// once the CPU answers again the supervisor brings the link back
	plc.setStatusErr(nil)

	require.Eventually(t, func() bool {
		return conn.StateMgr().IsConnected()
	}, 3*time.Second, 20*time.Millisecond)
}

func TestConnection_ExchangeFailureMarksError(t *testing.T) {
	plc := newFakePLC()
	conn := newOpenConn(t, plc, WithAutoReconnect(false))

	plc.failAfter(1, errors.New("iso session dropped"))

	_, err := conn.ReadDBWord(1, 0)
	require.Error(t, err)
	assert.True(t, link.IsTransport(err))

	require.Eventually(t, func() bool {
		return conn.State() == link.ErrorState
	}, time.Second, 10*time.Millisecond)
}

func TestConnection_UpdateConfigOptions(t *testing.T) {
	conn := newTestConn(t, &fakeDialer{plc: newFakePLC()})

	require.NoError(t, conn.UpdateConfigOptions(
		WithSendTimeout(time.Second),
		WithHeartbeatInterval(time.Minute),
	))
	assert.Equal(t, time.Second, conn.cfg.getSendTimeout())
	assert.Equal(t, time.Minute, conn.cfg.getHeartbeatInterval())

	err := conn.UpdateConfigOptions(WithRack(1))
	require.ErrorIs(t, err, link.ErrConfiguration)
	require.ErrorContains(t, err, "can't be changed at runtime")
}

func TestConnection_SendQueued(t *testing.T) {
	plc := newFakePLC()
	plc.presetDB(1, 0, []byte{0x00, 0x0B, 0x00, 0x16})

	dialer := &fakeDialer{plc: plc}
	conn := newTestConn(t, dialer)

	collector := &msgCollector{}
	conn.AddMessageHandler(collector.handler)

	require.NoError(t, conn.Open(openCtx(t)))

	cmd := link.NewCommand("READ DB1.DBW0 2")
	require.NoError(t, conn.Send(cmd))

	bogus := link.NewCommand("FROBNICATE DB1.DBW0")
	require.NoError(t, conn.Send(bogus))

	require.Eventually(t, func() bool { return collector.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	msgs := collector.snapshot()

	require.Equal(t, link.ResponseMsg, msgs[0].Kind())
	ref, ok := msgs[0].Ref()
	require.True(t, ok)
	assert.Equal(t, cmd.ID(), ref)
	values, ok := msgs[0].Param(ParamValues)
	require.True(t, ok)
	assert.Equal(t, "11,22", values)

	ref, ok = msgs[1].Ref()
	require.True(t, ok)
	assert.Equal(t, bogus.ID(), ref)
	errText, ok := msgs[1].Param(ParamError)
	require.True(t, ok)
	assert.Contains(t, errText, "unknown operation")
}
