// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// HexBytes decodes a whitespace-separated hex dump into bytes, failing the
// test on malformed input. It keeps wire fixtures readable:
//
//	testutil.HexBytes(t, "FD 00 05 02 01 00 72 01 7B F8")
func HexBytes(t *testing.T, dump string) []byte {
	t.Helper()
	clean := strings.Join(strings.Fields(dump), "")
	raw, err := hex.DecodeString(clean)
	if err != nil {
		t.Fatalf("bad hex fixture %q: %v", dump, err)
	}
	return raw
}

// WaitFor polls cond every millisecond until it returns true or the timeout
// elapses, then fails the test with msg. It is the standard way to await an
// asynchronous state change from a link or bus worker.
func WaitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, msg)
}
