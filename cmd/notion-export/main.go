// Command notion-export exports Notion pages through the web app's private
// API and unpacks the archives into a local directory.
//
// Usage:
//
//	notion-export export --page "Roadmap=https://www.notion.so/acme/Roadmap-0123456789abcdef0123456789abcdef" --output ./backup
//
// Tokens are read from --token-v2/--file-token or the NOTION_TOKEN_V2 and
// NOTION_FILE_TOKEN environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
