package vfs

import (
	"errors"
	"testing"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{
			name:     "root",
			input:    "/",
			expected: "/",
		},
		{
			name:     "trailing separator is dropped",
			input:    "/a/",
			expected: "/a",
		},
		{
			name:     "dot segments get cleaned",
			input:    "/a/./b/../c.lua",
			expected: "/a/c.lua",
		},
		{
			name:     "cannot climb above root",
			input:    "/../../x",
			expected: "/x",
		},
		{
			name:     "duplicate separators",
			input:    "//a///b",
			expected: "/a/b",
		},
		{
			name:    "relative path is rejected",
			input:   "a/b",
			wantErr: true,
		},
		{
			name:    "empty path is rejected",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vp, err := ParsePath(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPath) {
					t.Fatalf("Expected ErrInvalidPath, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if vp.String() != tt.expected {
				t.Errorf("Expected path %q, got %q", tt.expected, vp.String())
			}
		})
	}
}

func TestVirtualPathParts(t *testing.T) {
	vp := MustParsePath("/dev/helpers.lua")

	if vp.Base() != "helpers.lua" {
		t.Errorf("Expected base %q, got %q", "helpers.lua", vp.Base())
	}
	if vp.Parent().String() != "/dev" {
		t.Errorf("Expected parent %q, got %q", "/dev", vp.Parent().String())
	}
	if got := vp.Segments(); len(got) != 2 || got[0] != "dev" || got[1] != "helpers.lua" {
		t.Errorf("Unexpected segments %v", got)
	}

	root := MustParsePath("/")
	if !root.IsRoot() || root.Base() != "" || root.Segments() != nil {
		t.Errorf("Root path parts are wrong: base=%q segments=%v", root.Base(), root.Segments())
	}
	if root.Parent().String() != "/" {
		t.Errorf("Root parent should be root, got %q", root.Parent().String())
	}
	if root.Join("x").String() != "/x" {
		t.Errorf("Expected /x, got %q", root.Join("x").String())
	}
}

func TestIsDefault(t *testing.T) {
	tests := []struct {
		id       string
		expected bool
	}{
		{"vector", true},
		{"lib/util", true},
		{"./vector", false},
		{"../vector", false},
		{"/dev/vector", false},
		{".", false},
		{"..", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := IsDefault(tt.id); got != tt.expected {
				t.Errorf("IsDefault(%q) = %v, want %v", tt.id, got, tt.expected)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		dir      string
		expected string
		wantErr  bool
	}{
		{name: "sibling", id: "./b.lua", dir: "/lib", expected: "/lib/b.lua"},
		{name: "parent", id: "../b.lua", dir: "/lib/x", expected: "/lib/b.lua"},
		{name: "absolute id ignores dir", id: "/a//b", dir: "/lib", expected: "/a/b"},
		{name: "relative dir is rejected", id: "./b", dir: "lib", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.id, tt.dir)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	dir, name, err := Split("/a/b/c.lua")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if dir != "/a/b" || name != "c.lua" {
		t.Errorf("Expected (/a/b, c.lua), got (%q, %q)", dir, name)
	}
}
