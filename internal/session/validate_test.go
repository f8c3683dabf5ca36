package session

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	t.Setenv("WPSYNC_HOME", "/tmp/w")
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-session", false},
		{"valid with underscore", "my_session", false},
		{"valid single char", "a", false},
		{"valid max length", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my session", true},
		{"dot", "my.session", true},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"special chars", "my@session", true},
		{"slash", "my/session", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateNameSocketPathLimit(t *testing.T) {
	t.Setenv("WPSYNC_HOME", "/tmp/"+strings.Repeat("d", 60))

	if err := ValidateName("main"); err != nil {
		t.Errorf("short name rejected: %v", err)
	}
	if err := ValidateName(strings.Repeat("a", 40)); err == nil {
		t.Error("expected socket path length error")
	}
}
