package runtimeiface

import "testing"

func TestInt64AndBoolPtrHelpers(t *testing.T) {
	if got := *int64Ptr(5); got != 5 {
		t.Fatalf("got %d want 5", got)
	}
	if got := *boolPtr(true); !got {
		t.Fatalf("expected true")
	}
}
