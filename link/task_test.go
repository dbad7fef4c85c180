package link

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskManager_Start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskMgr := NewTaskManager(ctx, &nullLogger{})

	var runs atomic.Int32
	taskFunc := func() bool {
		runs.Add(1)
		time.Sleep(time.Millisecond)
		return true
	}

	require.NoError(t, taskMgr.Start("testTask", taskFunc))

	// Verify that the task is running
	assert.Equal(t, 1, taskMgr.TaskCount())
	assert.Eventually(t, func() bool { return runs.Load() > 1 }, time.Second, 5*time.Millisecond)

	// Cancel the context to stop the task
	cancel()

	assert.Eventually(t, func() bool { return taskMgr.TaskCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTaskManager_StartStoppedByTask(t *testing.T) {
	ctx := context.Background()
	taskMgr := NewTaskManager(ctx, &nullLogger{})

	var runs atomic.Int32
	require.NoError(t, taskMgr.Start("oneShot", func() bool {
		runs.Add(1)
		return false
	}))

	assert.Eventually(t, func() bool { return taskMgr.TaskCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestTaskManager_StartReceiver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskMgr := NewTaskManager(ctx, &nullLogger{})

	var canceled atomic.Bool
	var gotBuf atomic.Bool

	taskFunc := func(buf []byte) bool {
		if len(buf) > 0 {
			gotBuf.Store(true)
		}
		time.Sleep(time.Millisecond)
		return true
	}

	require.NoError(t, taskMgr.StartReceiver("testReceiver", taskFunc, func() { canceled.Store(true) }))

	assert.Equal(t, 1, taskMgr.TaskCount())
	assert.Eventually(t, func() bool { return gotBuf.Load() }, time.Second, 5*time.Millisecond)

	cancel()

	assert.Eventually(t, func() bool { return taskMgr.TaskCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, canceled.Load())
}

func TestTaskManager_StartSender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskMgr := NewTaskManager(ctx, &nullLogger{})

	inputChan := make(chan *Message, 1)
	var handled atomic.Int32
	taskFunc := func(msg *Message) bool {
		handled.Add(1)
		return true
	}

	require.NoError(t, taskMgr.StartSender("testSender", taskFunc, nil, inputChan))
	assert.Equal(t, 1, taskMgr.TaskCount())

	// Send a message to the channel
	inputChan <- NewCommand("ping")

	assert.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool { return taskMgr.TaskCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTaskManager_StartSenderNilChannel(t *testing.T) {
	taskMgr := NewTaskManager(context.Background(), &nullLogger{})
	require.Error(t, taskMgr.StartSender("badSender", func(msg *Message) bool { return true }, nil, nil))
}

func TestTaskManager_StartInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskMgr := NewTaskManager(ctx, &nullLogger{})

	var ticks atomic.Int32
	taskFunc := func() bool {
		ticks.Add(1)
		return true
	}

	ticker, err := taskMgr.StartInterval("testInterval", taskFunc, 10*time.Millisecond, true)
	require.NoError(t, err)
	require.NotNil(t, ticker)

	// runNow fires immediately, the ticker keeps firing afterwards
	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, taskMgr.TaskCount())

	// a second interval task with the same name is rejected
	_, err = taskMgr.StartInterval("testInterval", taskFunc, 10*time.Millisecond, false)
	require.Error(t, err)

	require.NoError(t, taskMgr.StopInterval("testInterval"))
	require.Error(t, taskMgr.StopInterval("testInterval")) // already removed

	cancel()
	assert.Eventually(t, func() bool { return taskMgr.TaskCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTaskManager_StartIntervalInvalid(t *testing.T) {
	taskMgr := NewTaskManager(context.Background(), &nullLogger{})
	_, err := taskMgr.StartInterval("bad", func() bool { return true }, 0, false)
	require.Error(t, err)
}

func TestTaskManager_ResetInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskMgr := NewTaskManager(ctx, &nullLogger{})

	var ticks atomic.Int32
	_, err := taskMgr.StartInterval("resettable", func() bool {
		ticks.Add(1)
		return true
	}, time.Hour, false)
	require.NoError(t, err)

	// nothing fires at the initial interval
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(0), ticks.Load())

	require.NoError(t, taskMgr.ResetInterval("resettable", 10*time.Millisecond))
	assert.Eventually(t, func() bool { return ticks.Load() >= 1 }, time.Second, 5*time.Millisecond)

	require.Error(t, taskMgr.ResetInterval("missing", 10*time.Millisecond))
}

func TestTaskManager_PanicRecovery(t *testing.T) {
	ctx := context.Background()
	taskMgr := NewTaskManager(ctx, &nullLogger{})

	require.NoError(t, taskMgr.Start("panicTask", func() bool {
		panic("boom")
	}))

	// the panic terminates the task without crashing the process
	assert.Eventually(t, func() bool { return taskMgr.TaskCount() == 0 }, time.Second, 5*time.Millisecond)

	// interval tasks recover as well
	var after atomic.Bool
	_, err := taskMgr.StartInterval("panicInterval", func() bool {
		after.Store(true)
		panic("tick boom")
	}, 5*time.Millisecond, false)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return after.Load() }, time.Second, 5*time.Millisecond)
}

func TestTaskManager_StopAndWait(t *testing.T) {
	ctx := context.Background()
	taskMgr := NewTaskManager(ctx, &nullLogger{})

	require.NoError(t, taskMgr.Start("task1", func() bool {
		time.Sleep(time.Millisecond)
		return true
	}))
	require.NoError(t, taskMgr.Start("task2", func() bool {
		time.Sleep(time.Millisecond)
		return true
	}))
	require.Equal(t, 2, taskMgr.TaskCount())

	taskMgr.Stop()
	taskMgr.Wait()
	require.Equal(t, 0, taskMgr.TaskCount())

	// the manager is reusable after Stop and Wait
	require.NoError(t, taskMgr.Start("task3", func() bool {
		time.Sleep(time.Millisecond)
		return true
	}))
	require.Equal(t, 1, taskMgr.TaskCount())

	taskMgr.Stop()
	taskMgr.Wait()
	require.Equal(t, 0, taskMgr.TaskCount())
}
