package batch

import (
	"context"
	"fmt"

	"github.com/Sternrassler/notion-exporter/pkg/client"
	"github.com/Sternrassler/notion-exporter/pkg/download"
	"github.com/Sternrassler/notion-exporter/pkg/export"
	"github.com/Sternrassler/notion-exporter/pkg/poller"
	"github.com/Sternrassler/notion-exporter/pkg/unpack"
	"github.com/rs/zerolog"
)

// Submitter starts an export task for one page and returns its task ID.
type Submitter interface {
	EnqueueExport(ctx context.Context, pageID string, cfg export.Config) (string, error)
}

// Waiter blocks until a task reaches a terminal state.
type Waiter interface {
	Wait(ctx context.Context, taskID string) (*client.Task, error)
}

// Fetcher downloads an archive into dir and returns its path.
type Fetcher interface {
	Download(ctx context.Context, url, dir, prefix string) (string, error)
}

// Extractor unpacks an archive into destDir.
type Extractor interface {
	Unpack(archivePath, destDir string, opts unpack.Options) (unpack.Stats, error)
}

// Stages are the four pipeline steps run for every page.
type Stages struct {
	Submitter Submitter
	Waiter    Waiter
	Fetcher   Fetcher
	Extractor Extractor
}

// NewStages wires the standard stages around one Notion client.
func NewStages(c *client.Client, pollCfg poller.Config, logger zerolog.Logger) (Stages, error) {
	if c == nil {
		return Stages{}, fmt.Errorf("client is required")
	}

	p, err := poller.New(c, pollCfg, logger.With().Str("component", "poller").Logger())
	if err != nil {
		return Stages{}, err
	}

	return Stages{
		Submitter: c,
		Waiter:    p,
		Fetcher:   download.New(c, logger.With().Str("component", "download").Logger()),
		Extractor: unpack.New(logger.With().Str("component", "unpack").Logger()),
	}, nil
}

func (s Stages) validate() error {
	switch {
	case s.Submitter == nil:
		return fmt.Errorf("submit stage is required")
	case s.Waiter == nil:
		return fmt.Errorf("poll stage is required")
	case s.Fetcher == nil:
		return fmt.Errorf("download stage is required")
	case s.Extractor == nil:
		return fmt.Errorf("unpack stage is required")
	}
	return nil
}
