package main

// ============================================================================
// Beaver-Mail 入口點
// 1. 建立 CLI 並執行命令
// 2. 頂層 panic recovery 與錯誤碼
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/beaver-mail/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
