package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	orig := Logf
	defer SetLogger(orig)

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("dropped %d samples", 3)
	if got != "dropped 3 samples" {
		t.Fatalf("unexpected log output: %q", got)
	}

	// nil installs a no-op, not a nil function.
	SetLogger(nil)
	Logf("must not panic")
}
