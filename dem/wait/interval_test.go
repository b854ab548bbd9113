package wait

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestIntervalJob(t *testing.T) {
	var runs uint32
	ran := make(chan struct{}, 16)
	j := NewIntervalJob(time.Millisecond, func() {
		atomic.AddUint32(&runs, 1)
		select {
		case ran <- struct{}{}:
		default:
		}
	})

	// The first run happens immediately on start.
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("no initial run")
	}

	// Wait for at least two more periodic runs.
	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(time.Second):
			t.Fatalf("no periodic run %d", i)
		}
	}

	j.Stop()
	n := atomic.LoadUint32(&runs)
	if n < 3 {
		t.Fatalf("expected at least 3 runs, got %d", n)
	}

	// No runs after Stop.
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadUint32(&runs) != n {
		t.Fatal("job ran after Stop")
	}

	// Stop is idempotent.
	j.Stop()
}

func TestIntervalJobStopDuringSleep(t *testing.T) {
	j := NewIntervalJob(time.Hour, func() {})
	done := make(chan struct{})
	go func() {
		j.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not interrupt the sleep")
	}
}
