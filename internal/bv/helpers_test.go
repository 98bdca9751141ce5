package bv_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bv-go/internal/bv"
	"bv-go/internal/testutil"
)

func namesOfType(names []string, kind string) []string {
	var out []string
	for _, n := range names {
		if strings.Contains(n, "."+kind+".") {
			out = append(out, n)
		}
	}
	return out
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// restoreAll restores a version into a temp dir and returns the target.
func restoreAll(t *testing.T, env *testutil.TestEnv, version int) (string, *bv.RestoreResult) {
	t.Helper()
	target := t.TempDir()
	res, err := env.Service.Restore(context.Background(), bv.RestoreRequest{Version: version, Target: target})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(res.Failed) > 0 {
		t.Fatalf("Restore() failed paths = %v", res.Failed)
	}
	return target, res
}

func assertRestored(t *testing.T, target, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(filepath.Join(target, filepath.FromSlash(path)))
	if err != nil {
		t.Fatalf("reading restored %s: %v", path, err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("restored %s has %d bytes that differ from the %d bytes backed up", path, len(got), len(want))
	}
}

func filesetCount(t *testing.T, env *testutil.TestEnv) int {
	t.Helper()
	sets, err := env.Service.ListFilesets(context.Background())
	if err != nil {
		t.Fatalf("ListFilesets() error = %v", err)
	}
	return len(sets)
}
