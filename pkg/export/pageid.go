package export

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
)

// NormalizePageID returns the dashed UUID form of a Notion page ID.
//
// Recognised inputs are a dashed UUID, the 32 hex digit form Notion shows in
// URLs, or a full page URL such as
// https://www.notion.so/workspace/My-Page-0123456789abcdef0123456789abcdef.
// Any other non-empty ID is returned trimmed but otherwise unchanged, and
// the remote service decides whether it is valid.
func NormalizePageID(s string) (string, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return "", fmt.Errorf("page id is required")
	}

	if id, err := uuid.Parse(raw); err == nil {
		return id.String(), nil
	}

	candidate := raw
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		candidate = path.Base(u.Path)
		if id, err := uuid.Parse(candidate); err == nil {
			return id.String(), nil
		}
	}
	if len(candidate) >= 32 {
		if id, err := uuid.Parse(candidate[len(candidate)-32:]); err == nil {
			return id.String(), nil
		}
	}

	return raw, nil
}
