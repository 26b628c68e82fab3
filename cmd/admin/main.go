package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/p2xai/gronka/pkg/gronka"
	repomemory "github.com/p2xai/gronka/pkg/gronka/repo/memory"
	repopg "github.com/p2xai/gronka/pkg/gronka/repo/postgres"
	reporedis "github.com/p2xai/gronka/pkg/gronka/repo/redis"
)

const usage = `Gronka Admin CLI

A lightweight admin tool for the media pipeline that only requires database
access. No storage backends or ffmpeg needed.

USAGE:
  admin <command> [options]

COMMANDS:
  ops       List recent operations, newest first
  op        Show one operation with its step log
  metrics   Show aggregate counters for a user
  reap      Sweep stuck operations once and mark them failed

ENVIRONMENT VARIABLES:
  DATABASE_URL      Connection string:
                    "postgresql://..." selects postgres
                    "redis://..." selects redis
                    empty or "memory" selects the in-memory repository
  DB_SCHEMA         PostgreSQL schema name (default: gronka)

  Configuration can be loaded from a .env file in the current directory.
  Command line environment variables override .env file values.

EXAMPLES:
  # List the 20 most recent operations
  admin ops

  # List more of them
  admin ops --limit=100

  # Show a single operation
  admin op 550e8400-e29b-41d4-a716-446655440000

  # Show a user's counters
  admin metrics user-123

  # Fail everything stuck in running for over 10 minutes
  admin reap

  # Use a custom threshold
  admin reap --threshold=30m

  # Output as JSON
  admin ops --json
  admin metrics user-123 --json

OPTIONS:
  --limit=<n>           Maximum results (ops only, default: 20)
  --threshold=<dur>     Stuck threshold as a Go duration (reap only, default: 10m)
  --json                Output as JSON
`

func main() {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	command := os.Args[1]

	if command == "help" || command == "--help" || command == "-h" {
		fmt.Print(usage)
		os.Exit(0)
	}

	repo, err := createRepository()
	if err != nil {
		log.Fatalf("Failed to create repository: %v", err)
	}

	ctx := context.Background()
	args := os.Args[2:]
	useJSON := hasFlag(args, "json")

	switch command {
	case "ops":
		handleOps(ctx, repo, args, useJSON)
	case "op":
		handleOp(ctx, repo, args, useJSON)
	case "metrics":
		handleMetrics(ctx, repo, args, useJSON)
	case "reap":
		handleReap(ctx, repo, args, useJSON)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		fmt.Print(usage)
		os.Exit(1)
	}
}

func createRepository() (gronka.Repository, error) {
	dbURL := os.Getenv("DATABASE_URL")

	switch {
	case dbURL == "" || dbURL == "memory":
		return repomemory.New(), nil

	case strings.HasPrefix(dbURL, "postgresql://"), strings.HasPrefix(dbURL, "postgres://"):
		poolConfig, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse database URL: %w", err)
		}

		schema := getEnv("DB_SCHEMA", "gronka")
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", schema))
			return err
		}

		pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pool.Ping(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}

		return repopg.NewWithPool(pool), nil

	case strings.HasPrefix(dbURL, "redis://"), strings.HasPrefix(dbURL, "rediss://"):
		opts, err := goredis.ParseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse database URL: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return reporedis.New(client), nil

	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL format: %s", dbURL)
	}
}

func handleOps(ctx context.Context, repo gronka.Repository, args []string, useJSON bool) {
	limit := 20
	if v := flagValue(args, "limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			log.Fatalf("Invalid --limit: %s", v)
		}
		limit = parsed
	}

	ops, err := repo.ListRecentOperations(ctx, limit)
	if err != nil {
		log.Fatalf("Failed to list operations: %v", err)
	}

	if useJSON {
		printJSON(ops)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tUSER\tCREATED\tDURATION")
	for _, op := range ops {
		duration := "-"
		if op.DurationMs > 0 {
			duration = (time.Duration(op.DurationMs) * time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			op.ID, op.Type, op.Status, op.UserID,
			op.CreatedAt.Format(time.RFC3339), duration)
	}
	w.Flush()
	fmt.Printf("\n%d operation(s)\n", len(ops))
}

func handleOp(ctx context.Context, repo gronka.Repository, args []string, useJSON bool) {
	if len(args) == 0 || strings.HasPrefix(args[0], "--") {
		log.Fatal("Usage: admin op <operation-id>")
	}

	id, err := uuid.Parse(args[0])
	if err != nil {
		log.Fatalf("Invalid operation ID: %s", args[0])
	}

	op, err := repo.GetOperation(ctx, id)
	if err != nil {
		log.Fatalf("Failed to get operation: %v", err)
	}

	if useJSON {
		printJSON(op)
		return
	}

	fmt.Printf("ID:       %s\n", op.ID)
	fmt.Printf("Type:     %s\n", op.Type)
	fmt.Printf("Status:   %s\n", op.Status)
	fmt.Printf("User:     %s\n", op.UserID)
	fmt.Printf("Created:  %s\n", op.CreatedAt.Format(time.RFC3339))
	if op.StartedAt != nil {
		fmt.Printf("Started:  %s\n", op.StartedAt.Format(time.RFC3339))
	}
	if op.FinishedAt != nil {
		fmt.Printf("Finished: %s\n", op.FinishedAt.Format(time.RFC3339))
	}
	if op.SizeBytes > 0 {
		fmt.Printf("Size:     %d bytes\n", op.SizeBytes)
	}
	if op.Error != nil {
		fmt.Printf("Error:    %s\n", op.Error.Message)
	}
	if len(op.Steps) > 0 {
		fmt.Println("Steps:")
		for _, step := range op.Steps {
			fmt.Printf("  %s  %s (%s, %dms)\n", step.At.Format(time.RFC3339), step.Name, step.Status, step.ElapsedMs)
		}
	}
}

func handleMetrics(ctx context.Context, repo gronka.Repository, args []string, useJSON bool) {
	if len(args) == 0 || strings.HasPrefix(args[0], "--") {
		log.Fatal("Usage: admin metrics <user-id>")
	}

	metrics, err := repo.GetUserMetrics(ctx, args[0])
	if err != nil {
		log.Fatalf("Failed to get metrics: %v", err)
	}

	if useJSON {
		printJSON(metrics)
		return
	}

	fmt.Printf("User:          %s\n", metrics.UserID)
	fmt.Printf("Total bytes:   %d\n", metrics.TotalBytes)
	fmt.Printf("Last activity: %s\n", metrics.LastActivityAt.Format(time.RFC3339))
	if len(metrics.Operations) > 0 {
		fmt.Println("Operations:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for key, count := range metrics.Operations {
			fmt.Fprintf(w, "  %s\t%d\n", key, count)
		}
		w.Flush()
	}
}

func handleReap(ctx context.Context, repo gronka.Repository, args []string, useJSON bool) {
	threshold := 10 * time.Minute
	if v := flagValue(args, "threshold"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			log.Fatalf("Invalid --threshold: %s", v)
		}
		threshold = parsed
	}

	tracker, err := gronka.NewTracker(repo, slog.Default())
	if err != nil {
		log.Fatalf("Failed to create tracker: %v", err)
	}

	reaped, err := tracker.ReapStuck(ctx, threshold)
	if err != nil {
		log.Fatalf("Failed to reap stuck operations: %v", err)
	}

	if useJSON {
		printJSON(map[string]int{"reaped": reaped})
		return
	}
	fmt.Printf("Reaped %d stuck operation(s)\n", reaped)
}

func flagValue(args []string, name string) string {
	prefix := "--" + name + "="
	for _, arg := range args {
		if strings.HasPrefix(arg, prefix) {
			return strings.TrimPrefix(arg, prefix)
		}
	}
	return ""
}

func hasFlag(args []string, name string) bool {
	for _, arg := range args {
		if arg == "--"+name {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode JSON: %v", err)
	}
	fmt.Println(string(data))
}
