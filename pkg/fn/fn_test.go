package fn

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

// --- Result ---

func TestOkAndErr(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatal("Ok should be ok")
	}
	v, err := r.Unwrap()
	if v != 42 || err != nil {
		t.Fatal("wrong unwrap")
	}

	e := Err[int](errors.New("fail"))
	if e.IsOk() || !e.IsErr() {
		t.Fatal("Err should be err")
	}
}

func TestFromPair(t *testing.T) {
	if v, _ := FromPair(strconv.Atoi("42")).Unwrap(); v != 42 {
		t.Fatalf("got %d", v)
	}
	if FromPair(strconv.Atoi("nope")).IsOk() {
		t.Fatal("FromPair should fail")
	}
}

// --- Stages ---

func TestThenShortCircuits(t *testing.T) {
	ctx := context.Background()
	called := false
	fail := TryStage(func(context.Context, int) (int, error) { return 0, errors.New("boom") })
	second := MapStage(func(v int) int { called = true; return v })

	r := Then(fail, second)(ctx, 1)
	if r.IsOk() || called {
		t.Fatal("second stage must not run after a failure")
	}

	double := MapStage(func(v int) int { return v * 2 })
	toStr := MapStage(strconv.Itoa)
	if v, _ := Then(double, toStr)(ctx, 21).Unwrap(); v != "42" {
		t.Fatalf("got %q", v)
	}
}

func TestTapAndTraced(t *testing.T) {
	var seen []int
	tap := TapStage(func(_ context.Context, v int) { seen = append(seen, v) })
	st := TracedStage("test.stage", Then(tap, MapStage(func(v int) int { return v + 1 })))

	if v, _ := st(context.Background(), 1).Unwrap(); v != 2 {
		t.Fatalf("got %d", v)
	}
	if len(seen) != 1 || seen[0] != 1 {
		t.Fatalf("tap saw %v", seen)
	}

	failing := TracedStage("test.fail", TryStage(func(context.Context, int) (int, error) {
		return 0, errors.New("nope")
	}))
	if failing(context.Background(), 0).IsOk() {
		t.Fatal("expected error to pass through")
	}
}

// --- Slices ---

func TestMapAndFilterMap(t *testing.T) {
	got := Map([]int{1, 2, 3}, strconv.Itoa)
	if strings.Join(got, ",") != "1,2,3" {
		t.Fatalf("Map: %v", got)
	}
	evens := FilterMap([]int{1, 2, 3, 4}, func(v int) (int, bool) { return v * 10, v%2 == 0 })
	if len(evens) != 2 || evens[0] != 20 || evens[1] != 40 {
		t.Fatalf("FilterMap: %v", evens)
	}
}

func TestGroupCount(t *testing.T) {
	order, counts := GroupCount([]string{"b", "a", "b", "c", "b"}, func(s string) string { return s })
	if strings.Join(order, "") != "bac" {
		t.Fatalf("order: %v", order)
	}
	if counts["b"] != 3 || counts["a"] != 1 || counts["c"] != 1 {
		t.Fatalf("counts: %v", counts)
	}
}

func TestChunk(t *testing.T) {
	items := make([]int, 181)
	chunks := Chunk(items, 90)
	if len(chunks) != 3 || len(chunks[0]) != 90 || len(chunks[2]) != 1 {
		t.Fatalf("unexpected chunking: %d chunks", len(chunks))
	}
	if Chunk(items, 0) != nil {
		t.Fatal("n <= 0 should return nil")
	}
	if len(Chunk([]int{}, 3)) != 0 {
		t.Fatal("empty input should yield no chunks")
	}
}

// --- Retry ---

func TestRetrySucceedsEventually(t *testing.T) {
	calls := 0
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}, func(context.Context) Result[int] {
		calls++
		if calls < 3 {
			return Err[int](errors.New("transient"))
		}
		return Ok(calls)
	})
	if v, err := r.Unwrap(); err != nil || v != 3 {
		t.Fatalf("got %d, %v", v, err)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	opts := RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Millisecond,
		Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
	}
	r := RetryStage(opts, TryStage(func(context.Context, int) (int, error) {
		calls++
		return 0, permanent
	}))(context.Background(), 0)

	if r.IsOk() || calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Retry(ctx, RetryOpts{MaxAttempts: 3, InitialWait: time.Hour}, func(context.Context) Result[int] {
		return Err[int](errors.New("fail"))
	})
	if _, err := r.Unwrap(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
