package ids

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{name: "lowercase v4", id: "6fa459ea-ee8a-4ca4-894e-db77e160355e", wantErr: false},
		{name: "uppercase v4", id: "6FA459EA-EE8A-4CA4-894E-DB77E160355E", wantErr: false},
		{name: "generated id", id: NewWorkspaceID(), wantErr: false},

		{name: "empty", id: "", wantErr: true},
		{name: "missing dashes", id: "6fa459eaee8a4ca4894edb77e160355e", wantErr: true},
		{name: "wrong version nibble", id: "6fa459ea-ee8a-1ca4-894e-db77e160355e", wantErr: true},
		{name: "wrong variant nibble", id: "6fa459ea-ee8a-4ca4-794e-db77e160355e", wantErr: true},
		{name: "too short", id: "6fa459ea-ee8a-4ca4-894e", wantErr: true},
		{name: "trailing junk", id: "6fa459ea-ee8a-4ca4-894e-db77e160355e/..", wantErr: true},
		{name: "path traversal", id: "../../etc/passwd", wantErr: true},
		{name: "shell metacharacters", id: "$(rm -rf /)", wantErr: true},
		{name: "null byte", id: "6fa459ea-ee8a-4ca4-894e-db77e16035\x00e", wantErr: true},
		{name: "non-hex", id: "6fa459ea-ee8a-4ca4-894e-db77e160355z", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestContainerName(t *testing.T) {
	got := ContainerName("6fa459ea-ee8a-4ca4-894e-db77e160355e")
	want := "cloudide-ws-6fa459ea-ee8a-4ca4-894e-db77e160355e"
	if got != want {
		t.Errorf("ContainerName = %q, want %q", got, want)
	}

	// Unsafe characters are replaced, never passed through.
	got = ContainerName("a/b:c d")
	if strings.ContainsAny(got, "/: ") {
		t.Errorf("ContainerName left unsafe characters in %q", got)
	}
}

func TestNewWorkspaceIDPassesValidation(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := NewWorkspaceID()
		if err := Validate(id); err != nil {
			t.Fatalf("generated id %q failed validation: %v", id, err)
		}
	}
}
