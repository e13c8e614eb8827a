package command

import (
	"strings"
	"testing"
)

func TestLimitStderrCapsRetainedBytes(t *testing.T) {
	w := newStderr()
	big := strings.Repeat("x", stderrBufferLimit*2)
	n, err := w.Write([]byte(big))
	if err != nil {
		t.Fatal(err)
	}
	if n != len(big) {
		t.Errorf("Write reported %d bytes, want %d (must not truncate the reported count)", n, len(big))
	}
	if got := len(w.String()); got != stderrBufferLimit {
		t.Errorf("retained %d bytes, want %d", got, stderrBufferLimit)
	}
	// Subsequent writes are dropped entirely once the limit is spent.
	n, err = w.Write([]byte("more"))
	if err != nil || n != 4 {
		t.Errorf("Write after limit = (%d, %v), want (4, nil)", n, err)
	}
	if got := len(w.String()); got != stderrBufferLimit {
		t.Errorf("retained %d bytes after over-limit write, want %d", got, stderrBufferLimit)
	}
}

func TestFromErrorCode(t *testing.T) {
	if got := FromErrorCode(nil); got != 0 {
		t.Errorf("FromErrorCode(nil) = %d, want 0", got)
	}
}
