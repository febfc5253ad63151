package future

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFuture_ResolveOnce(t *testing.T) {
	f := New[int]()
	require.False(t, f.IsDone())

	require.True(t, f.Resolve(1))
	require.False(t, f.Resolve(2))
	require.False(t, f.Fail(errors.New("late")))

	v, err, ok := f.Peek()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.True(t, f.IsDone())
}

func TestFuture_ThenBeforeAndAfterResolution(t *testing.T) {
	f := New[string]()

	var got []string
	f.Then(func(v string, err error) {
		require.NoError(t, err)
		got = append(got, "before:"+v)
	})
	f.Resolve("x")
	f.Then(func(v string, err error) {
		got = append(got, "after:"+v)
	})

	require.Equal(t, []string{"before:x", "after:x"}, got)
}

func TestFuture_AwaitFromOtherGoroutine(t *testing.T) {
	f := New[int]()
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Resolve(42)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := f.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestFuture_AwaitContextExpires(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, f.IsDone())
}

func TestFuture_Failed(t *testing.T) {
	boom := errors.New("boom")
	f := Failed[int](boom)

	_, err := f.Await(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestMap(t *testing.T) {
	src := New[int]()
	doubled := Map(src, func(v int) (int, error) { return v * 2, nil })
	src.Resolve(21)

	v, err := doubled.Await(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)

	boom := errors.New("boom")
	failed := Map(Failed[int](boom), func(v int) (string, error) {
		t.Error("map fn must not run on failure")
		return "", nil
	})
	_, err = failed.Await(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestFuture_ConcurrentResolversSingleWinner(t *testing.T) {
	for range 100 {
		f := New[int]()
		var wins atomic.Int32
		var calls atomic.Int32
		f.Then(func(int, error) { calls.Add(1) })

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if f.Resolve(i) {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), wins.Load())
		require.Equal(t, int32(1), calls.Load())
	}
}

func TestFuture_SingleResolutionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := New[int]()
		attempts := rapid.SliceOfN(rapid.IntRange(-1000, 1000), 1, 20).Draw(t, "attempts")
		failAt := rapid.IntRange(-1, len(attempts)-1).Draw(t, "failAt")

		var callbacks int
		f.Then(func(int, error) { callbacks++ })

		succeeded := 0
		for i, v := range attempts {
			var ok bool
			if i == failAt {
				ok = f.Fail(ErrCancelled)
			} else {
				ok = f.Resolve(v)
			}
			if ok {
				succeeded++
			}
		}

		if succeeded != 1 {
			t.Fatalf("expected exactly one successful resolution, got %d", succeeded)
		}
		if callbacks != 1 {
			t.Fatalf("expected exactly one callback, got %d", callbacks)
		}

		v, err, _ := f.Peek()
		if failAt == 0 {
			if !errors.Is(err, ErrCancelled) {
				t.Fatalf("expected first failure to win, got %v", err)
			}
		} else if v != attempts[0] || err != nil {
			t.Fatalf("expected first value %d to win, got %d/%v", attempts[0], v, err)
		}
	})
}
