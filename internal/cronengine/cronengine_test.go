package cronengine

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestClampRefreshPeriod(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{0, 1},
		{-5, 1},
		{1, 1},
		{10, 10},
		{60, 60},
		{61, DefaultRefreshPeriodMinutes},
		{1000, DefaultRefreshPeriodMinutes},
	}
	for _, c := range cases {
		if got := ClampRefreshPeriod(c.in); got != c.want {
			t.Errorf("ClampRefreshPeriod(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestRefreshMinuteOffsets(t *testing.T) {
	cases := []struct {
		period int
		want   []int
	}{
		{1, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32, 33, 34, 35, 36, 37, 38, 39, 40, 41, 42, 43, 44, 45, 46, 47, 48, 49, 50, 51, 52, 53, 54, 55, 56, 57, 58, 59}},
		{10, []int{0, 10, 20, 30, 40, 50}},
		{60, []int{0}},
		{30, []int{0, 30}},
	}
	for _, c := range cases {
		got := RefreshMinuteOffsets(c.period)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("RefreshMinuteOffsets(%d) = %v, want %v", c.period, got, c.want)
		}
	}
}

func TestEngineRegisterReplacesPreviousEntries(t *testing.T) {
	e := New()
	if err := e.Register(NewJob("job-a", "", func(ctx context.Context) {}), []int{0, 30}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := len(e.entries["job-a"]); got != 2 {
		t.Fatalf("expected 2 entries, got %d", got)
	}
	if err := e.Register(NewJob("job-a", "", func(ctx context.Context) {}), []int{15}); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if got := len(e.entries["job-a"]); got != 1 {
		t.Fatalf("expected replaced entry count 1, got %d", got)
	}
}

func TestEngineSuppressesOverlappingFiresOfSameJob(t *testing.T) {
	e := New()
	var running int32
	var maxConcurrent int32
	var wg sync.WaitGroup

	job := NewJob("slow-job", "", func(ctx context.Context) {
		n := atomic.AddInt32(&running, 1)
		for {
			cur := atomic.LoadInt32(&maxConcurrent)
			if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
	})

	wg.Add(3)
	for i := 0; i < 3; i++ {
		go func() {
			defer wg.Done()
			e.fire(job)
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&maxConcurrent) != 1 {
		t.Fatalf("expected overlapping fires to be suppressed, max concurrent = %d", maxConcurrent)
	}
}
