package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/fin-analysis/internal/cli"
	"github.com/ChuLiYu/fin-analysis/internal/config"
	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

const callers = 20

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := demoConfig("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()
	app, err := cli.NewApp(ctx, cfg, logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel)))
	if err != nil {
		log.Fatalf("Failed to build app: %v", err)
	}
	defer app.Close()

	if err := app.Start(); err != nil {
		log.Fatalf("Failed to start task queue: %v", err)
	}
	fmt.Printf("✓ Task queue started (mode: %s)\n", mode)

	switch mode {
	case "start":
		runConcurrentCallers(ctx, app)
	case "recover":
		fmt.Printf("\n📊 Handles restored from snapshot + WAL:\n")
		printStatus(app)
	default:
		log.Fatalf("unknown mode %q", mode)
	}
}

// runConcurrentCallers 同時對同一個組合分析發出多個請求，展示只會產生一次
func runConcurrentCallers(ctx context.Context, app *cli.App) {
	key := types.NewKey("ACME", types.KindComposite)
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		usages = make(map[int]int)
		failed int
	)
	start := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := app.Orchestrator.ResolveAndWait(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				return
			}
			usages[a.TokenUsage]++
		}()
	}
	wg.Wait()

	fmt.Printf("\n⚡ %d callers resolved %s in %s\n", callers, key, time.Since(start).Round(time.Millisecond))
	for usage, n := range usages {
		fmt.Printf("  %d callers received the artifact with token usage %d\n", n, usage)
	}
	if failed > 0 {
		fmt.Printf("  %d callers failed\n", failed)
	}

	fmt.Printf("\n📊 Handle table (one composite, three statements, their segments):\n")
	printStatus(app)
	fmt.Printf("\n💡 Run 'go run ./cmd/demo recover' to reload these handles\n")
}

func printStatus(app *cli.App) {
	status := app.Queue.GetStatus()
	fmt.Printf("  Pending: %v\n", status["pending"])
	fmt.Printf("  Success: %v\n", status["success"])
	fmt.Printf("  Failed:  %v\n", status["failed"])
}

// demoConfig 使用配置檔的 fixtures，其餘改為離線元件
func demoConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.Completion.Provider = "fake"
	cfg.Store.Driver = "memory"
	cfg.Redis.Addr = ""
	cfg.Archive.Endpoint = ""
	cfg.Snapshot.Path = "data/demo/handles.json"
	cfg.Snapshot.WALPath = "data/demo/handles.wal"
	return cfg, cfg.Validate()
}
