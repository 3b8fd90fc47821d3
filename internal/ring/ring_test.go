package ring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempFD(t *testing.T) int {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "dev"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(1<<20))
	t.Cleanup(func() { f.Close() })
	return int(f.Fd())
}

func TestWriteReadRoundTrip(t *testing.T) {
	fd := tempFD(t)
	r := New(8, 2)
	defer r.Close()

	var results []*SQE
	consumer := r.Register(Consumer{
		HandleEvent: func(sqe *SQE) { results = append(results, sqe) },
	})

	payload := []byte("hello, ring")
	sqe := r.GetSQE(consumer)
	require.NotNil(t, sqe)
	sqe.Op, sqe.FD, sqe.Offset, sqe.Buf = OpWrite, fd, 4096, payload

	n, err := r.Submit()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ok, err := r.Wait()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, results, 1)
	require.Equal(t, len(payload), results[0].Res)

	results = nil
	buf := make([]byte, len(payload))
	sqe = r.GetSQE(consumer)
	require.NotNil(t, sqe)
	sqe.Op, sqe.FD, sqe.Offset, sqe.Buf = OpRead, fd, 4096, buf
	_, err = r.Submit()
	require.NoError(t, err)
	ok, err = r.Wait()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload, buf)
}

func TestBackpressure(t *testing.T) {
	fd := tempFD(t)
	r := New(2, 1)
	defer r.Close()
	consumer := r.Register(Consumer{HandleEvent: func(*SQE) {}})

	s1 := r.GetSQE(consumer)
	s2 := r.GetSQE(consumer)
	require.NotNil(t, s1)
	require.NotNil(t, s2)
	require.Nil(t, r.GetSQE(consumer), "ring full, expected nil SQE")

	for _, s := range []*SQE{s1, s2} {
		s.Op, s.FD = OpFsync, fd
	}
	_, err := r.Submit()
	require.NoError(t, err)
	ok, err := r.Wait()
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, r.GetSQE(consumer), "slot should be free after completion")
}

func TestUnstage(t *testing.T) {
	r := New(4, 1)
	defer r.Close()
	consumer := r.Register(Consumer{})

	snap := r.Staged()
	require.NotNil(t, r.GetSQE(consumer))
	require.NotNil(t, r.GetSQE(consumer))
	require.Equal(t, 2, r.Staged())
	r.Unstage(snap)
	require.Equal(t, 0, r.Staged())
	require.Equal(t, 4, r.Free())
}

func TestWaitNothingInFlight(t *testing.T) {
	r := New(4, 1)
	defer r.Close()
	r.Register(Consumer{})
	ok, err := r.Wait()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConsumerLoopRunsOnSubmit(t *testing.T) {
	fd := tempFD(t)
	r := New(4, 1)
	defer r.Close()

	var loops int
	var consumer int
	consumer = r.Register(Consumer{
		HandleEvent: func(*SQE) {},
		Loop: func() {
			if loops == 0 {
				sqe := r.GetSQE(consumer)
				sqe.Op, sqe.FD = OpNop, fd
			}
			loops++
		},
	})

	n, err := r.Submit()
	require.NoError(t, err)
	require.Equal(t, 1, n, "loop-staged entry should be flushed by the same Submit")
	require.Equal(t, 1, loops)
}
