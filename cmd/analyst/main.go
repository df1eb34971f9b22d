package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/fin-analysis/internal/cli"
)

/*
# 開發階段
go run ./cmd/analyst serve

# 編譯並注入版本
go build -ldflags "-X github.com/ChuLiYu/fin-analysis/internal/cli.Version=1.0.0" -o bin/analyst ./cmd/analyst

# 執行
./bin/analyst analyze -s AAPL -k company
*/

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}
