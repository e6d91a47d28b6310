package sandboxfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"testing"
)

func TestErrnoOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Errno
	}{
		{"nil", nil, 0},
		{"direct", ErrNotEmpty, ErrNotEmpty},
		{"wrapped", fmt.Errorf("op: %w", ErrBusy), ErrBusy},
		{"path error", &fs.PathError{Op: "open", Path: "/x", Err: ErrNotFound}, ErrNotFound},
		{"syscall", syscall.EXDEV, ErrCrossDevice},
		{"wrapped syscall", &os.PathError{Op: "rename", Path: "/a", Err: syscall.ENOTEMPTY}, ErrNotEmpty},
		{"deadline", context.DeadlineExceeded, ErrTimedOut},
		{"canceled", fmt.Errorf("x: %w", context.Canceled), ErrCanceled},
		{"fs sentinel", fs.ErrExist, ErrAlreadyExists},
		{"os not exist", os.ErrNotExist, ErrNotFound},
		{"unknown", errors.New("disk on fire"), ErrIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrnoOf(tt.err); got != tt.want {
				t.Errorf("ErrnoOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrnoMatchesFSSentinels(t *testing.T) {
	if !errors.Is(ErrNotFound, fs.ErrNotExist) {
		t.Errorf("ErrNotFound should match fs.ErrNotExist")
	}
	if !errors.Is(pathError("stat", "/x", ErrNotFound), os.ErrNotExist) {
		t.Errorf("path error should match os.ErrNotExist")
	}
	if !errors.Is(ErrReadOnly, fs.ErrPermission) {
		t.Errorf("ErrReadOnly should match fs.ErrPermission")
	}
	if errors.Is(ErrBusy, fs.ErrExist) {
		t.Errorf("ErrBusy must not match fs.ErrExist")
	}
}

func TestErrnoSyscallRoundTrip(t *testing.T) {
	for e := ErrNotFound; e <= ErrIO; e++ {
		if e == ErrAlreadyMounted {
			continue
		}
		if got := FromSyscall(e.Syscall()); got != e {
			t.Errorf("%v -> %v -> %v", e, e.Syscall(), got)
		}
	}
}

func TestClassifyKeepsMessage(t *testing.T) {
	cause := errors.New("connection reset")
	err := Classify(cause)
	if err.Error() != "connection reset" {
		t.Errorf("classified message changed: %q", err.Error())
	}
	if !errors.Is(err, ErrIO) || !errors.Is(err, cause) {
		t.Errorf("classified error lost its kind or cause")
	}
	if Classify(ErrBusy) != error(ErrBusy) {
		t.Errorf("errno should pass through unchanged")
	}
}
