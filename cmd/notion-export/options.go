package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Sternrassler/notion-exporter/pkg/export"
	"github.com/Sternrassler/notion-exporter/pkg/logging"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// options is the resolved command configuration.
type options struct {
	Credentials export.Credentials
	Export      export.Config
	Pages       map[string]string
	ExportName  string
	Workers     int

	PollInterval    time.Duration
	PollTimeout     time.Duration
	MaxPollFailures int

	RequestsPerSecond float64
	BaseURL           string
	RedisAddr         string
	MetricsAddr       string

	Logging logging.Config
}

// loadOptions resolves flags, env and config file values and validates them.
func loadOptions(v *viper.Viper, pageFlags []string) (options, error) {
	var opts options

	format, err := export.ParseExportType(v.GetString(flagFormat))
	if err != nil {
		return opts, err
	}
	scope, err := export.ParseViewScope(v.GetString(flagScope))
	if err != nil {
		return opts, err
	}

	opts.Export = export.Config{
		Format:          format,
		Scope:           scope,
		IncludeFiles:    v.GetBool(flagIncludeFiles),
		Recursive:       v.GetBool(flagRecursive),
		FlattenTree:     v.GetBool(flagFlatten),
		ExportDirectory: v.GetString(flagOutput),
		TimeZone:        v.GetString(flagTimeZone),
	}
	if err := opts.Export.Validate(); err != nil {
		return opts, err
	}

	opts.Credentials = export.Credentials{
		SessionToken: strings.TrimSpace(v.GetString(flagTokenV2)),
		FileToken:    strings.TrimSpace(v.GetString(flagFileToken)),
	}
	if err := opts.Credentials.Validate(); err != nil {
		return opts, err
	}

	opts.Pages, err = collectPages(pageFlags, v.GetString(flagPagesFile))
	if err != nil {
		return opts, err
	}

	opts.ExportName = v.GetString(flagExportName)
	opts.Workers = v.GetInt(flagWorkers)
	if opts.Workers <= 0 {
		return opts, fmt.Errorf("workers must be > 0 (got %d)", opts.Workers)
	}

	opts.PollInterval = v.GetDuration(flagPollInterval)
	opts.PollTimeout = v.GetDuration(flagPollTimeout)
	opts.MaxPollFailures = v.GetInt(flagMaxPollFailures)
	opts.RequestsPerSecond = v.GetFloat64(flagRequestsPerSec)
	opts.BaseURL = v.GetString(flagBaseURL)
	opts.RedisAddr = v.GetString(flagRedisAddr)
	opts.MetricsAddr = v.GetString(flagMetricsAddr)

	opts.Logging = logging.Config{
		Level:  logging.LogLevel(v.GetString(flagLogLevel)),
		Pretty: v.GetBool(flagLogPretty),
	}

	return opts, nil
}

// collectPages merges the pages file with --page flags; flags win on
// duplicate names.
func collectPages(pageFlags []string, pagesFile string) (map[string]string, error) {
	pages := make(map[string]string)

	if pagesFile != "" {
		fromFile, err := readPagesFile(pagesFile)
		if err != nil {
			return nil, err
		}
		for name, id := range fromFile {
			pages[name] = id
		}
	}

	for _, spec := range pageFlags {
		name, id, err := parsePageFlag(spec)
		if err != nil {
			return nil, err
		}
		pages[name] = id
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages to export: use --%s NAME=ID or --%s", flagPage, flagPagesFile)
	}

	names := make([]string, 0, len(pages))
	for name := range pages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := export.NormalizePageID(pages[name]); err != nil {
			return nil, fmt.Errorf("page %q: %w", name, err)
		}
	}

	return pages, nil
}

// parsePageFlag splits NAME=ID. The ID may itself contain "=" (URLs with
// query strings), so only the first separator counts.
func parsePageFlag(spec string) (string, string, error) {
	name, id, ok := strings.Cut(spec, "=")
	name = strings.TrimSpace(name)
	id = strings.TrimSpace(id)
	if !ok || name == "" || id == "" {
		return "", "", fmt.Errorf("invalid --%s %q: want NAME=ID", flagPage, spec)
	}
	return name, id, nil
}

// readPagesFile reads a name -> ID mapping. JSON is valid YAML, so one
// decoder covers both; yaml.v3 keeps the original key case.
func readPagesFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pages file: %w", err)
	}

	var pages map[string]string
	if err := yaml.Unmarshal(data, &pages); err != nil {
		return nil, fmt.Errorf("parse pages file %s: %w", path, err)
	}
	return pages, nil
}
