package export

import (
	"strings"
	"testing"
)

func TestParseExportType(t *testing.T) {
	tests := []struct {
		input   string
		want    ExportType
		wantErr bool
	}{
		{"markdown", Markdown, false},
		{"MD", Markdown, false},
		{"html", HTML, false},
		{" pdf ", PDF, false},
		{"docx", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseExportType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseExportType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseExportType(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseViewScope(t *testing.T) {
	tests := []struct {
		input   string
		want    ViewScope
		wantErr bool
	}{
		{"currentView", CurrentView, false},
		{"current-view", CurrentView, false},
		{"all", AllContent, false},
		{"ALL", AllContent, false},
		{"some", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseViewScope(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseViewScope(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseViewScope(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.Format = "docx"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown format")
	}

	cfg = DefaultConfig()
	cfg.ExportDirectory = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty export directory")
	}
}

func TestCredentials(t *testing.T) {
	creds := Credentials{SessionToken: "secret-v2", FileToken: "secret-file"}
	if err := creds.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if s := creds.String(); strings.Contains(s, "secret") {
		t.Errorf("String() leaks tokens: %s", s)
	}

	if err := (Credentials{FileToken: "f"}).Validate(); err == nil {
		t.Error("expected error for missing session token")
	}
	if err := (Credentials{SessionToken: "s"}).Validate(); err == nil {
		t.Error("expected error for missing file token")
	}
}

func TestDocumentExtensions(t *testing.T) {
	if exts := PDF.DocumentExtensions(); len(exts) != 1 || exts[0] != ".pdf" {
		t.Errorf("PDF.DocumentExtensions() = %v", exts)
	}
	found := false
	for _, ext := range Markdown.DocumentExtensions() {
		if ext == ".md" {
			found = true
		}
	}
	if !found {
		t.Error("Markdown extensions should include .md")
	}
}
