package export

import (
	"fmt"
	"strings"
)

// ExportType is the document format the remote service renders.
type ExportType string

const (
	// Markdown exports pages as .md files and databases as .csv.
	Markdown ExportType = "markdown"

	// HTML exports pages as .html files.
	HTML ExportType = "html"

	// PDF exports pages as .pdf files.
	PDF ExportType = "pdf"
)

// ParseExportType converts a user supplied string into an ExportType.
func ParseExportType(s string) (ExportType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "markdown", "md":
		return Markdown, nil
	case "html":
		return HTML, nil
	case "pdf":
		return PDF, nil
	default:
		return "", fmt.Errorf("unknown export type %q (want markdown, html or pdf)", s)
	}
}

// Valid reports whether t is one of the known export types.
func (t ExportType) Valid() bool {
	switch t {
	case Markdown, HTML, PDF:
		return true
	default:
		return false
	}
}

// DocumentExtensions returns the lower-case file extensions that count as
// documents for this format. Everything else in an export is an attachment.
func (t ExportType) DocumentExtensions() []string {
	switch t {
	case Markdown:
		return []string{".md", ".csv"}
	case HTML:
		return []string{".html", ".htm", ".csv"}
	case PDF:
		return []string{".pdf"}
	default:
		return nil
	}
}

// ViewScope selects how database views are exported.
type ViewScope string

const (
	// CurrentView exports only the rows and properties of the configured view.
	CurrentView ViewScope = "currentView"

	// AllContent exports every row and property regardless of view filters.
	AllContent ViewScope = "all"
)

// ParseViewScope converts a user supplied string into a ViewScope.
func ParseViewScope(s string) (ViewScope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "currentview", "current-view", "current_view", "current":
		return CurrentView, nil
	case "all", "allcontent", "all-content":
		return AllContent, nil
	default:
		return "", fmt.Errorf("unknown view scope %q (want currentView or all)", s)
	}
}

// Valid reports whether s is one of the known scopes.
func (s ViewScope) Valid() bool {
	return s == CurrentView || s == AllContent
}

// Config holds the per-run export options. It is immutable for the duration
// of a run and shared read-only by all workers.
type Config struct {
	// Format is the rendered document format.
	Format ExportType

	// Scope selects current view or all content for databases.
	Scope ViewScope

	// IncludeFiles keeps attachments (images, uploads) in the output.
	// When false they are removed after extraction.
	IncludeFiles bool

	// Recursive exports child pages as well.
	Recursive bool

	// FlattenTree collapses the exported hierarchy into a single directory.
	FlattenTree bool

	// ExportDirectory is the root output directory.
	ExportDirectory string

	// TimeZone is sent to the remote renderer for date formatting.
	TimeZone string
}

// DefaultConfig returns the defaults used by the command line tool.
func DefaultConfig() Config {
	return Config{
		Format:          Markdown,
		Scope:           CurrentView,
		IncludeFiles:    false,
		Recursive:       true,
		FlattenTree:     true,
		ExportDirectory: ".",
		TimeZone:        "Europe/London",
	}
}

// Validate checks that every option is present and known.
func (c Config) Validate() error {
	if !c.Format.Valid() {
		return fmt.Errorf("invalid export type %q", c.Format)
	}
	if !c.Scope.Valid() {
		return fmt.Errorf("invalid view scope %q", c.Scope)
	}
	if c.ExportDirectory == "" {
		return fmt.Errorf("export directory is required")
	}
	return nil
}

// Credentials are the two session cookies of a logged-in Notion browser
// session. They are supplied once and never persisted.
type Credentials struct {
	// SessionToken is the token_v2 cookie, used for API calls.
	SessionToken string

	// FileToken is the file_token cookie, used for archive downloads.
	FileToken string
}

// Validate checks that both tokens are present.
func (c Credentials) Validate() error {
	if c.SessionToken == "" {
		return fmt.Errorf("session token (token_v2) is required")
	}
	if c.FileToken == "" {
		return fmt.Errorf("file token (file_token) is required")
	}
	return nil
}

// String redacts both tokens so Credentials can be logged safely.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{SessionToken:%s FileToken:%s}", redact(c.SessionToken), redact(c.FileToken))
}

func redact(s string) string {
	if s == "" {
		return "<empty>"
	}
	return "<redacted>"
}
