package diagcache

import (
	"os"
	"testing"
	"time"
)

func TestMain(t *testing.M) {
	code := t.Run()

	os.Exit(code)
}

func fixedNowFunc() time.Time {
	return time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
}

// testClock advances one second on every call, so access order is strict.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: fixedNowFunc()}
}

func (c *testClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}
