package pattern

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		name     string
		file     string
		patterns []string
		want     bool
	}{
		{name: "empty list", file: "anything.bin", patterns: nil, want: true},
		{name: "prefix wildcard", file: "mesh_t0001.vtu", patterns: []string{"mesh_t*.vtu"}, want: true},
		{name: "wrong extension", file: "mesh_t0001.vtk", patterns: []string{"mesh_t*.vtu"}, want: false},
		{name: "case sensitive", file: "Mesh.vtu", patterns: []string{"mesh*"}, want: false},
		{name: "any of several", file: "scene.glb", patterns: []string{"*.vtu", "*.glb"}, want: true},
		{name: "dot is literal", file: "aXvtu", patterns: []string{"a.vtu"}, want: false},
		{name: "regex chars literal", file: "a+b(1).vtu", patterns: []string{"a+b(*).vtu"}, want: true},
		{name: "full name anchored", file: "xmesh.vtu", patterns: []string{"mesh*"}, want: false},
		{name: "base name only", file: "/data/mesh/out.vtu", patterns: []string{"mesh*"}, want: false},
		{name: "base name from path", file: "/data/out/mesh.vtu", patterns: []string{"mesh*"}, want: true},
		{name: "empty pattern", file: "a", patterns: []string{""}, want: false},
		{name: "star matches newline", file: "line\nbreak.vtu", patterns: []string{"*"}, want: true},
		{name: "suffix across newline", file: "out\n.vtu", patterns: []string{"*.vtu"}, want: true},
		{name: "invalid utf8", file: "bad\xff.vtu", patterns: []string{"*"}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Match(tc.file, tc.patterns); got != tc.want {
				t.Fatalf("Match(%q, %v) = %v, want %v", tc.file, tc.patterns, got, tc.want)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	got := Split("*.vtu, *.glb", "", "mesh*")
	if len(got) != 3 || got[0] != "*.vtu" || got[1] != "*.glb" || got[2] != "mesh*" {
		t.Fatalf("unexpected patterns %v", got)
	}
}
