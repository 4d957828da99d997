package coordinator

import (
	"context"
	"testing"

	"github.com/guseggert/appdriver/connection"
	"github.com/guseggert/appdriver/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeCaller struct {
	got   []connection.Bracket
	reply protocol.Message
	err   error
}

func (f *fakeCaller) Do(ctx context.Context, b connection.Bracket) (protocol.Message, error) {
	f.got = append(f.got, b)
	return f.reply, f.err
}

var ref = protocol.BlockRef{FilePath: "test.m", FileOffset: 88}

func TestExecuteSync(t *testing.T) {
	cases := []struct {
		name  string
		reply protocol.Message
		check func(t *testing.T, err error)
	}{
		{
			name:  "success",
			reply: protocol.BlockDidFinish{},
			check: func(t *testing.T, err error) { require.NoError(t, err) },
		},
		{
			name:  "assertion failure",
			reply: protocol.ErrorReport{Description: "assert failed", FileName: "test.m", LineNumber: 42},
			check: func(t *testing.T, err error) {
				var execErr *ExecutionError
				require.ErrorAs(t, err, &execErr)
				assert.Equal(t, ExecutionError{Description: "assert failed", FileName: "test.m", LineNumber: 42}, *execErr)
				assert.Equal(t, "test.m:42: assert failed", err.Error())
			},
		},
		{
			name:  "exception",
			reply: protocol.ExceptionReport{Description: "nil dereference"},
			check: func(t *testing.T, err error) {
				var exc *ExecutionException
				require.ErrorAs(t, err, &exc)
				assert.Equal(t, "nil dereference", exc.Description)
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			caller := &fakeCaller{reply: c.reply}
			e := NewExecutor(caller, WithLogger(zaptest.NewLogger(t)))
			c.check(t, e.ExecuteSync(context.Background(), ref))

			require.Len(t, caller.got, 1)
			b := caller.got[0]
			assert.Equal(t, protocol.ExecuteBlock{Ref: ref}, b.Request)
			assert.Equal(t, protocol.KindBlockWillBegin, b.Begin)
			assert.ElementsMatch(t, []protocol.Kind{protocol.KindBlockDidFinish, protocol.KindError, protocol.KindException}, b.Terminal)
		})
	}
}

func TestExecuteSyncConnectivityFailure(t *testing.T) {
	cause := &connection.ConnectivityError{Op: "ExecuteBlock", Err: connection.ErrHeartbeatTimeout}
	e := NewExecutor(&fakeCaller{err: cause})

	err := e.ExecuteSync(context.Background(), ref)
	require.ErrorIs(t, err, connection.ErrHeartbeatTimeout)
	assert.True(t, connection.IsConnectivity(err))
}

func TestPerformCleanUp(t *testing.T) {
	caller := &fakeCaller{reply: protocol.CleanUpDidFinish{}}
	c := NewCleaner(caller, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, c.PerformCleanUp(context.Background()))

	require.Len(t, caller.got, 1)
	b := caller.got[0]
	assert.Equal(t, protocol.PerformCleanUp{}, b.Request)
	assert.Equal(t, protocol.KindCleanUpWillBegin, b.Begin)
	assert.ElementsMatch(t, []protocol.Kind{protocol.KindCleanUpDidFinish, protocol.KindError, protocol.KindException}, b.Terminal)
}

func TestPerformCleanUpFailureBelongsToCleanup(t *testing.T) {
	c := NewCleaner(&fakeCaller{reply: protocol.ErrorReport{Description: "teardown failed", FileName: "cleanup.m", LineNumber: 7}})
	err := c.PerformCleanUp(context.Background())

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "teardown failed", execErr.Description)
}

func TestUnexpectedReply(t *testing.T) {
	// A reply of the wrong bracket never reaches the coordinator from a Conn, but a Caller
	// may be any implementation.
	e := NewExecutor(&fakeCaller{reply: protocol.CleanUpDidFinish{}})
	require.Error(t, e.ExecuteSync(context.Background(), ref))
}
