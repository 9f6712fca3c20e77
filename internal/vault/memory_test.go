package vault

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestMemoryVault(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVault("mem")

	if err := v.PutArtifact(ctx, "till-1", "b.snap", strings.NewReader("bbb"), 3); err != nil {
		t.Fatalf("PutArtifact() error = %v", err)
	}
	v.PutArtifact(ctx, "till-1", "a.snap", strings.NewReader("a"), 1)
	v.PutArtifact(ctx, "till-2", "c.snap", strings.NewReader("c"), 1)

	t.Run("size mismatch", func(t *testing.T) {
		if err := v.PutArtifact(ctx, "till-1", "x.snap", strings.NewReader("x"), 5); err == nil {
			t.Error("PutArtifact() expected size mismatch error")
		}
	})

	t.Run("get", func(t *testing.T) {
		var buf bytes.Buffer
		if err := v.GetArtifact(ctx, "till-1", "b.snap", &buf); err != nil {
			t.Fatalf("GetArtifact() error = %v", err)
		}
		if buf.String() != "bbb" {
			t.Errorf("GetArtifact() = %q, want %q", buf.String(), "bbb")
		}
		if err := v.GetArtifact(ctx, "till-2", "b.snap", &buf); err == nil {
			t.Error("GetArtifact() in another host expected error")
		}
	})

	t.Run("list is per host and sorted", func(t *testing.T) {
		names, err := v.ListArtifacts(ctx, "till-1")
		if err != nil {
			t.Fatalf("ListArtifacts() error = %v", err)
		}
		if len(names) != 2 || names[0] != "a.snap" || names[1] != "b.snap" {
			t.Errorf("ListArtifacts() = %v", names)
		}
	})

	if err := v.ValidateSetup(ctx); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}
}
