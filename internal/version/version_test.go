package version

import (
	"fmt"
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	v, c, d := Info()
	if v == "" || c == "" || d == "" {
		t.Fatalf("version info must not have empty parts: %q %q %q", v, c, d)
	}
	if v != "dev" {
		t.Logf("version overridden via ldflags: %s", v)
	}
}

func TestString(t *testing.T) {
	v, c, d := Info()
	got := String()

	want := fmt.Sprintf("version=%s commit=%s date=%s", v, c, d)
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	for _, part := range []string{"version=", "commit=", "date="} {
		if !strings.Contains(got, part) {
			t.Fatalf("String() = %q, missing %q", got, part)
		}
	}
}
