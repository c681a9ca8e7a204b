package fn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResultOkErr(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatal("Ok result misreported")
	}
	v, err := r.Unwrap()
	if v != 42 || err != nil {
		t.Fatalf("unexpected unwrap: %v %v", v, err)
	}

	e := Err[int](errors.New("boom"))
	if e.IsOk() || !e.IsErr() {
		t.Fatal("Err result misreported")
	}
}

func TestFromPair(t *testing.T) {
	if r := FromPair(1, nil); r.IsErr() {
		t.Fatal("expected ok")
	}
	if r := FromPair(0, errors.New("x")); r.IsOk() {
		t.Fatal("expected err")
	}
}

func TestCollect_FirstError(t *testing.T) {
	boom := errors.New("boom")
	r := Collect([]Result[int]{Ok(1), Err[int](boom), Ok(3)})
	if r.IsOk() {
		t.Fatal("expected error")
	}
	_, err := r.Unwrap()
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestThen_ShortCircuits(t *testing.T) {
	boom := errors.New("boom")
	first := func(_ context.Context, s string) Result[int] {
		return Err[int](boom)
	}
	secondCalled := false
	second := func(_ context.Context, n int) Result[string] {
		secondCalled = true
		return Ok("done")
	}

	r := Then(first, second)(context.Background(), "in")
	if r.IsOk() {
		t.Fatal("expected error")
	}
	if secondCalled {
		t.Fatal("second stage must not run after an error")
	}
}

func TestThen_PassesValue(t *testing.T) {
	double := func(_ context.Context, n int) Result[int] { return Ok(n * 2) }
	toStr := func(_ context.Context, n int) Result[int] { return Ok(n + 1) }
	r := Then(double, toStr)(context.Background(), 20)
	v, _ := r.Unwrap()
	if v != 41 {
		t.Fatalf("expected 41, got %d", v)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	attempts := 0
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}, func(context.Context) Result[string] {
		attempts++
		if attempts < 3 {
			return Err[string](errors.New("transient"))
		}
		return Ok("done")
	})
	if r.IsErr() {
		t.Fatal("expected success on third attempt")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_RetryIfStopsImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	attempts := 0
	opts := RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Millisecond,
		RetryIf:     func(err error) bool { return !errors.Is(err, fatal) },
	}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		attempts++
		return Err[int](fatal)
	})
	if r.IsOk() {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("non-retryable error should stop after 1 attempt, got %d", attempts)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Retry(ctx, RetryOpts{MaxAttempts: 3, InitialWait: time.Hour}, func(context.Context) Result[int] {
		return Err[int](errors.New("transient"))
	})
	_, err := r.Unwrap()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestChunk(t *testing.T) {
	got := Chunk([]int{1, 2, 3, 4, 5}, 2)
	if len(got) != 3 || len(got[0]) != 2 || len(got[2]) != 1 {
		t.Fatalf("unexpected chunks: %v", got)
	}
	if Chunk([]int{1}, 0) != nil {
		t.Fatal("n<=0 should return nil")
	}
}

func TestMapFilterUnique(t *testing.T) {
	doubled := Map([]int{1, 2}, func(n int) int { return n * 2 })
	if doubled[0] != 2 || doubled[1] != 4 {
		t.Fatalf("unexpected map result: %v", doubled)
	}
	odd := Filter([]int{1, 2, 3}, func(n int) bool { return n%2 == 1 })
	if len(odd) != 2 {
		t.Fatalf("unexpected filter result: %v", odd)
	}
	u := Unique([]string{"a", "b", "a"})
	if len(u) != 2 || u[0] != "a" || u[1] != "b" {
		t.Fatalf("unexpected unique result: %v", u)
	}
}
