package paths_test

import (
	"reflect"
	"testing"

	"github.com/isarandi/barecat/paths"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"", "", true},
		{".", "", true},
		{"/", "", true},
		{"/a/b", "a/b", true},
		{"a//b", "a/b", true},
		{"a/./b", "a/b", true},
		{"a/b/", "a/b", true},
		{"../a", "", false},
		{"a/../b", "b", true},
		{"a/b/..", "a", true},
	}
	for _, c := range cases {
		got, ok := paths.Normalize(c.in)
		if ok != c.wantOK {
			t.Errorf("Normalize(%q) ok = %v, want %v", c.in, ok, c.wantOK)
			continue
		}
		if ok && got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParent(t *testing.T) {
	if got := paths.Parent("a/b/c"); got != "a/b" {
		t.Errorf("Parent(a/b/c) = %q, want a/b", got)
	}
	if got := paths.Parent("a"); got != paths.Root {
		t.Errorf("Parent(a) = %q, want root", got)
	}
	rootParent := paths.Parent(paths.Root)
	if !paths.IsRootParent(rootParent) {
		t.Errorf("Parent(root) = %q, not recognized as root-parent sentinel", rootParent)
	}
	if rootParent == paths.Root || rootParent == "a" {
		t.Errorf("root-parent sentinel collides with a real path: %q", rootParent)
	}
}

func TestBasename(t *testing.T) {
	if got := paths.Basename("a/b/c.txt"); got != "c.txt" {
		t.Errorf("Basename = %q, want c.txt", got)
	}
	if got := paths.Basename("c.txt"); got != "c.txt" {
		t.Errorf("Basename = %q, want c.txt", got)
	}
}

func TestAncestors(t *testing.T) {
	got := paths.Ancestors("a/b/c.txt")
	want := []string{"", "a", "a/b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Ancestors = %v, want %v", got, want)
	}
	if got := paths.Ancestors(paths.Root); got != nil {
		t.Errorf("Ancestors(root) = %v, want nil", got)
	}
}

func TestWithReplacedPrefix(t *testing.T) {
	got := paths.WithReplacedPrefix("a/b/c.txt", "a/b", "a/e")
	if got != "a/e/c.txt" {
		t.Errorf("WithReplacedPrefix = %q, want a/e/c.txt", got)
	}
}
