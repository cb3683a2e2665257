package session

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "sales2", false},
		{"valid with hyphen", "front-desk", false},
		{"valid with underscore", "front_desk", false},
		{"valid max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "front desk", true},
		{"dot", "front.desk", true},
		{"too long", strings.Repeat("a", 65), true},
		{"slash", "a/b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			var nameErr *InvalidNameError
			if tt.wantErr && !errors.As(err, &nameErr) {
				t.Errorf("error type = %T, want *InvalidNameError", err)
			}
		})
	}
}
