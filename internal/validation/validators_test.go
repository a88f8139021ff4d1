package validation

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		// Happy paths
		{"simple", "hello", false},
		{"with dash", "process-order", false},
		{"with underscore", "web_server", false},
		{"with dot", "worker.v2", false},
		{"max length", strings.Repeat("a", MaxNameLength), false},

		// Sad paths
		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxNameLength+1), true},
		{"leading dash", "-flag", true},
		{"space", "my worker", true},
		{"slash", "a/b", true},
		{"semicolon injection", "web;rm", true},
		{"pipe injection", "web|cat", true},
		{"dollar sign", "web$USER", true},
		{"backtick", "web`whoami`", true},
		{"newline", "web\n", true},
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

func TestValidateID(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"wf_0123456789abcdef", false},
		{"proc_6f1c2d0e-6b1a-4d8e-9a51-0c3b2b7f9e11", false},
		{"", true},
		{"wf0123", true},
		{"WF_abc", true},
		{"wf_../../etc", true},
		{"wf_" + strings.Repeat("a", 200), true},
	}

	for _, tt := range tests {
		err := ValidateID(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}

func TestValidateSocketDir(t *testing.T) {
	tests := []struct {
		name    string
		dir     string
		reserve int
		wantErr bool
	}{
		{"tmp", "/tmp/warden", 40, false},
		{"empty", "", 0, true},
		{"relative", "run/warden", 0, true},
		{"traversal", "/tmp/../etc", 0, true},
		{"null byte", "/tmp/\x00", 0, true},
		{"too long", "/" + strings.Repeat("d", 80), 40, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSocketDir(tt.dir, tt.reserve)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSocketDir(%q) error = %v, wantErr %v", tt.dir, err, tt.wantErr)
			}
		})
	}
}

func TestValidateAllowlist(t *testing.T) {
	allowed := []string{"auto", "unix", "tcp"}
	if err := ValidateAllowlist("unix", allowed); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := ValidateAllowlist("udp", allowed)
	if err == nil {
		t.Fatal("expected error for value outside allowlist")
	}
	if !strings.Contains(err.Error(), "auto, unix, tcp") {
		t.Errorf("error should list allowed values: %v", err)
	}
}

func TestValidatePortRange(t *testing.T) {
	tests := []struct {
		lo, hi  int
		wantErr bool
	}{
		{0, 0, false},
		{49152, 65535, false},
		{8000, 0, false},
		{-1, 10, true},
		{10, 70000, true},
		{9000, 8000, true},
	}
	for _, tt := range tests {
		err := ValidatePortRange(tt.lo, tt.hi)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePortRange(%d, %d) error = %v, wantErr %v", tt.lo, tt.hi, err, tt.wantErr)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	got := SanitizeString("wf_`id`;rm -rf $HOME")
	if strings.ContainsAny(got, "`;$") {
		t.Errorf("SanitizeString left dangerous characters: %q", got)
	}
	if got != "wf_idrm -rf HOME" {
		t.Errorf("SanitizeString() = %q", got)
	}
}
