// Package main implements the capsync binary: a replica client that
// hydrates database instances from object storage, keeps them synchronized
// over the sync channel, and mediates edits through the distributed lock.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/capsync/capsync/internal/app"
	"github.com/capsync/capsync/internal/config"
	"github.com/capsync/capsync/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Local development overrides; a missing .env is fine.
	_ = godotenv.Load()

	var (
		configFile  string
		dataDir     string
		tenantID    string
		videoID     string
		database    string
		query       string
		exec        string
		acquireLock bool
		force       bool
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&tenantID, "tenant", "", "Tenant scoping remote image paths")
	flag.StringVar(&videoID, "video", "", "Video to open an instance for")
	flag.StringVar(&database, "db", "", "Database name within the video")
	flag.StringVar(&query, "query", "", "Read-only SQL to run against the instance")
	flag.StringVar(&exec, "exec", "", "Mutating SQL to run against the instance (implies -acquire-lock)")
	flag.BoolVar(&acquireLock, "acquire-lock", false, "Acquire the edit lock for the instance")
	flag.BoolVar(&force, "force", false, "Bypass the local image cache")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "capsync - synchronized replica client for annotation databases\n\n")
		fmt.Fprintf(os.Stderr, "Usage: capsync [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  capsync --video v42 --db layout --query 'SELECT count(*) FROM boxes'\n")
		fmt.Fprintf(os.Stderr, "  capsync --video v42 --db layout --exec \"UPDATE boxes SET label='car' WHERE id=3\"\n")
		fmt.Fprintf(os.Stderr, "  capsync --config /etc/capsync/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  CAPSYNC_TENANT_ID       Tenant scoping remote image paths\n")
		fmt.Fprintf(os.Stderr, "  CAPSYNC_DATA_DIR        Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  CAPSYNC_STORAGE_TYPE    Storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  CAPSYNC_SYNC_URL        Websocket endpoint of the sync service\n")
		fmt.Fprintf(os.Stderr, "  CAPSYNC_LOCK_URL        Base URL of the lock service\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("capsync version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, tenantID)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	if videoID != "" && database != "" {
		if err := runInstance(ctx, application, videoID, database, query, exec, acquireLock, force); err != nil {
			log.Printf("Instance operation failed: %v", err)
			application.Stop(context.Background())
			os.Exit(1)
		}
		if err := application.Stop(context.Background()); err != nil {
			log.Printf("Shutdown error: %v", err)
			os.Exit(1)
		}
		return
	}

	// No one-shot operation: keep restored instances synchronized until a
	// termination signal arrives.
	if err := application.Wait(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// runInstance hydrates one instance and runs the requested operations.
func runInstance(ctx context.Context, application *app.App, videoID, database, query, exec string, acquireLock, force bool) error {
	reg := application.Registry()
	id := types.InstanceID{VideoID: videoID, Database: database}

	if err := reg.Initialize(ctx, id, force); err != nil {
		return fmt.Errorf("initialize %s: %w", id, err)
	}
	version, err := reg.Version(id)
	if err != nil {
		return err
	}
	log.Printf("Instance %s ready at version %d", id, version)

	if acquireLock || exec != "" {
		status, err := reg.AcquireLock(ctx, id)
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		log.Printf("Edit lock %s (holder %s)", status.State, status.Holder)
	}

	if exec != "" {
		affected, err := reg.Exec(ctx, id, exec)
		if err != nil {
			return fmt.Errorf("exec: %w", err)
		}
		log.Printf("%d rows affected", affected)
	}

	if query != "" {
		rs, err := reg.Query(ctx, id, query)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		fmt.Println(strings.Join(rs.Columns, "\t"))
		for _, row := range rs.Rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = fmt.Sprintf("%v", v)
			}
			fmt.Println(strings.Join(cells, "\t"))
		}
	}
	return nil
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, tenantID string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	// Start with defaults or load from file
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply environment variables
	config.LoadFromEnv(cfg)

	// Apply command line flags (highest priority)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if tenantID != "" {
		cfg.TenantID = tenantID
	}

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("capsync %s", version)
	log.Printf("Configuration:")
	log.Printf("  Tenant:   %s", cfg.TenantID)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Storage:  %s", cfg.Storage.Type)
	log.Printf("  Sync:     %s", cfg.Sync.URL)
	log.Printf("  Lock:     %s", cfg.Lock.URL)
}
