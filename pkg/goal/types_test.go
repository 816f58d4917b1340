package goal

import "testing"

func TestPattern_Validate(t *testing.T) {
	tests := []struct {
		name    string
		pattern Pattern
		wantErr bool
	}{
		{name: "directory", pattern: Pattern{Directory: "node_modules"}},
		{name: "nested directory", pattern: Pattern{Directory: "build/out/../dist"}},
		{name: "globs", pattern: Pattern{GlobPattern: []string{"**/*.txt", "./a.txt"}}},
		{name: "empty", pattern: Pattern{}, wantErr: true},
		{name: "both", pattern: Pattern{Directory: "dist", GlobPattern: []string{"*.js"}}, wantErr: true},
		{name: "parent directory", pattern: Pattern{Directory: "../secret"}, wantErr: true},
		{name: "climbs out", pattern: Pattern{Directory: "dist/../../secret"}, wantErr: true},
		{name: "only parent", pattern: Pattern{Directory: ".."}, wantErr: true},
		{name: "absolute directory", pattern: Pattern{Directory: "/etc"}, wantErr: true},
		{name: "windows drive", pattern: Pattern{Directory: `C:\secret`}, wantErr: true},
		{name: "escaping glob", pattern: Pattern{GlobPattern: []string{"*.go", "../*.go"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pattern.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}
