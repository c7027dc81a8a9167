package main

import (
	"fmt"
	"os"
	"time"

	"github.com/bdobrica/Kiroku/common/environment"
	"github.com/bdobrica/Kiroku/common/version"
	"github.com/bdobrica/Kiroku/internal/kiroku/app"
	"github.com/bdobrica/Kiroku/internal/kiroku/config"
	"github.com/bdobrica/Kiroku/internal/kiroku/llm"
	"github.com/bdobrica/Kiroku/internal/kiroku/matrix"
	"github.com/bdobrica/Kiroku/internal/kiroku/schedule"
	"github.com/bdobrica/Kiroku/internal/kiroku/window"
)

func main() {
	fmt.Printf("Kiroku Room Chronicle\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	appConfig, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	kiroku, err := app.New(appConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Kiroku: %v\n", err)
		os.Exit(1)
	}
	defer kiroku.Stop()

	if err := kiroku.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Kiroku: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig merges the optional YAML config file with environment
// variables. Credentials come only from the environment; scalar settings in
// the environment override the file.
func loadConfig() (*app.Config, error) {
	fileCfg := config.Default()
	if path, ok := environment.String("KIROKU_CONFIG"); ok && path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		fileCfg = loaded
	}

	homeserver, err := environment.RequiredString("KIROKU_HOMESERVER")
	if err != nil {
		return nil, err
	}
	userID, err := environment.RequiredString("KIROKU_USER_ID")
	if err != nil {
		return nil, err
	}
	accessToken, err := environment.RequiredString("KIROKU_ACCESS_TOKEN")
	if err != nil {
		return nil, err
	}
	apiKey, err := environment.RequiredString("KIROKU_LLM_API_KEY")
	if err != nil {
		return nil, err
	}

	rooms := environment.StringSliceOr("KIROKU_ROOMS", fileCfg.Rooms)
	if len(rooms) == 0 {
		return nil, fmt.Errorf("no rooms configured: set KIROKU_ROOMS or list rooms in the config file")
	}

	retentionDays := environment.IntOr("KIROKU_RETENTION_DAYS", fileCfg.RetentionDays)
	if retentionDays < 1 {
		return nil, fmt.Errorf("KIROKU_RETENTION_DAYS must be at least 1, got %d", retentionDays)
	}

	reportAt, err := schedule.ParseTimeOfDay(environment.StringOr("KIROKU_REPORT_TIME", fileCfg.ReportTime))
	if err != nil {
		return nil, fmt.Errorf("KIROKU_REPORT_TIME: %w", err)
	}
	cleanupAt, err := schedule.ParseTimeOfDay(environment.StringOr("KIROKU_CLEANUP_TIME", fileCfg.CleanupTime))
	if err != nil {
		return nil, fmt.Errorf("KIROKU_CLEANUP_TIME: %w", err)
	}

	return &app.Config{
		DatabasePath: environment.StringOr("KIROKU_DB_PATH", "./kiroku.db"),
		Matrix: matrix.Config{
			Homeserver:  homeserver,
			UserID:      userID,
			AccessToken: accessToken,
			Rooms:       rooms,
		},
		Retention: window.RetentionPolicy{
			Period: time.Duration(retentionDays) * 24 * time.Hour,
		},
		ReportAt:          reportAt,
		CleanupAt:         cleanupAt,
		MaxWindowMessages: environment.IntOr("KIROKU_MAX_WINDOW_MESSAGES", fileCfg.MaxWindowMessages),
		LLM: llm.Config{
			APIKey:  apiKey,
			BaseURL: environment.StringOr("KIROKU_LLM_ENDPOINT", fileCfg.Endpoint),
			Model:   environment.StringOr("KIROKU_LLM_MODEL", fileCfg.Model),
		},
		HTTPAddr: environment.StringOr("KIROKU_HTTP_ADDR", ""),
	}, nil
}
