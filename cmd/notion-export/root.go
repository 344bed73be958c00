package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/Sternrassler/notion-exporter/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "0.1.0"

// exportRunner runs the resolved export; replaced in tests.
var exportRunner = runExport

// Flag names double as viper keys and config file keys.
const (
	flagConfig          = "config"
	flagTokenV2         = "token-v2"
	flagFileToken       = "file-token"
	flagPage            = "page"
	flagPagesFile       = "pages-file"
	flagOutput          = "output"
	flagExportName      = "export-name"
	flagFormat          = "format"
	flagScope           = "scope"
	flagIncludeFiles    = "include-files"
	flagRecursive       = "recursive"
	flagFlatten         = "flatten"
	flagWorkers         = "workers"
	flagPollInterval    = "poll-interval"
	flagPollTimeout     = "poll-timeout"
	flagMaxPollFailures = "max-poll-failures"
	flagTimeZone        = "time-zone"
	flagRequestsPerSec  = "requests-per-second"
	flagRedisAddr       = "redis-addr"
	flagMetricsAddr     = "metrics-addr"
	flagLogLevel        = "log-level"
	flagLogPretty       = "log-pretty"
	flagBaseURL         = "base-url"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "notion-export",
		Short:         "Export Notion pages to local files",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newExportCommand())
	return cmd
}

func newExportCommand() *cobra.Command {
	v := viper.New()
	var pages []string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every configured page and unpack the archives",
		Long: `Export submits one export task per page, waits for Notion to render it,
downloads the archive and unpacks it below <output>/<export-name>/<page>.

Pages are given as --page NAME=ID (repeatable) or in a YAML/JSON file mapping
page names to IDs (--pages-file). IDs may be dashed, undashed or full page URLs.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfigFile(v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions(v, pages)
			if err != nil {
				return err
			}
			return exportRunner(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.String(flagConfig, "", "YAML config file with the same keys as the flags")
	f.String(flagTokenV2, "", "token_v2 session cookie (env NOTION_TOKEN_V2)")
	f.String(flagFileToken, "", "file_token download cookie (env NOTION_FILE_TOKEN)")
	f.StringArrayVar(&pages, flagPage, nil, "page to export as NAME=ID (repeatable)")
	f.String(flagPagesFile, "", "YAML or JSON file mapping page names to IDs")
	f.StringP(flagOutput, "o", ".", "output root directory")
	f.String(flagExportName, "", "export folder name (default export-YYYY-MM-DD-HH-MM-SS)")
	f.StringP(flagFormat, "f", "markdown", "export format: markdown, html or pdf")
	f.String(flagScope, "currentView", "database scope: currentView or all")
	f.Bool(flagIncludeFiles, false, "keep attachments such as images and uploads")
	f.Bool(flagRecursive, true, "export child pages")
	f.Bool(flagFlatten, true, "flatten the exported tree into one directory per page")
	f.IntP(flagWorkers, "w", runtime.NumCPU(), "number of pages exported in parallel")
	f.Duration(flagPollInterval, 2*time.Second, "delay between task status queries")
	f.Duration(flagPollTimeout, 15*time.Minute, "maximum wait for one export task")
	f.Int(flagMaxPollFailures, 3, "consecutive failed status queries tolerated")
	f.String(flagTimeZone, "Europe/London", "time zone used for dates in the export")
	f.Float64(flagRequestsPerSec, 3, "API request rate limit (0 disables pacing)")
	f.String(flagRedisAddr, "", "Redis address for sharing 429 throttle windows between processes")
	f.String(flagMetricsAddr, "", "serve Prometheus metrics on this address while exporting")
	f.String(flagLogLevel, string(logging.LevelInfo), "log level: debug, info, warn or error")
	f.Bool(flagLogPretty, logging.IsTerminal(os.Stderr), "human-readable log output")
	f.String(flagBaseURL, "", "API base URL")
	_ = f.MarkHidden(flagBaseURL)

	// Errors only occur for nil flag sets.
	_ = v.BindPFlags(f)
	v.SetEnvPrefix("NOTION_EXPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv(flagTokenV2, "NOTION_EXPORT_TOKEN_V2", "NOTION_TOKEN_V2")
	_ = v.BindEnv(flagFileToken, "NOTION_EXPORT_FILE_TOKEN", "NOTION_FILE_TOKEN")

	return cmd
}

// loadConfigFile merges the --config file, if any, below flags and env.
func loadConfigFile(v *viper.Viper) error {
	path := v.GetString(flagConfig)
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}
