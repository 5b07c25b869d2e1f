package utils

import (
	"os"
	"path"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRandHexLength(t *testing.T) {
	testMap := []struct {
		numBytes uint8
		want     int
	}{
		{1, 2},
		{16, 32},
		{32, 64},
	}

	for _, value := range testMap {
		got := RandHex(value.numBytes)
		if len(got) != value.want {
			t.Errorf("expected RandHex(%d) to have length %d, got %q", value.numBytes, value.want, got)
		}
	}
}

func TestRandCode(t *testing.T) {
	code := RandCode(6)
	if len(code) != 6 {
		t.Fatalf("expected 6-character code, got %q", code)
	}
	for _, r := range code {
		if !strings.ContainsRune(pairingCodeAlphabet, r) {
			t.Errorf("code %q contains %q, which is outside the alphabet", code, r)
		}
	}
	if code != strings.ToUpper(code) {
		t.Errorf("expected code %q to be uppercase", code)
	}

	// Two codes colliding is astronomically unlikely; a collision here
	// almost certainly means the generator is broken.
	if other := RandCode(6); other == code {
		t.Errorf("two generated codes were identical: %q", code)
	}
}

func TestWaitForFileCreation(t *testing.T) {
	testDir := t.TempDir()

	go func() {
		time.Sleep(100 * time.Millisecond)
		os.WriteFile(path.Join(testDir, "ready"), []byte("ok"), 0o644)
	}()

	if err := WaitForFileCreation(testDir, "ready", 5*time.Second); err != nil {
		t.Errorf("expected file creation to be detected, got error: %v", err)
	}
}

func TestWaitForFileCreationTimeout(t *testing.T) {
	testDir := t.TempDir()

	err := WaitForFileCreation(testDir, "never", 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error, got nil")
	}
}

func TestWaitForFileCreationExistingFile(t *testing.T) {
	testDir := t.TempDir()
	if err := os.WriteFile(path.Join(testDir, "already"), []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := WaitForFileCreation(testDir, "already", time.Second); err != nil {
		t.Errorf("expected existing file to satisfy the wait, got error: %v", err)
	}
}

func TestWaitWithTimeout(t *testing.T) {
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
	}()

	if !WaitWithTimeout(&wg, time.Second) {
		t.Error("expected WaitGroup to finish within the timeout")
	}

	stuck := sync.WaitGroup{}
	stuck.Add(1)
	if WaitWithTimeout(&stuck, 50*time.Millisecond) {
		t.Error("expected WaitWithTimeout to give up on a stuck WaitGroup")
	}
}
