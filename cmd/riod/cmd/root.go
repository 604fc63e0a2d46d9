// Package cmd 是 riod 的命令行入口。
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/legamerdc/rio/builtin"
)

var rootCmd = &cobra.Command{
	Use:   "riod",
	Short: "rio reactor HTTP server",
	Long: `riod 在 rio 的多 loop reactor 上运行 HTTP 服务，
内置 /health、/status、/vars 与 /version 服务。`,
	Version:       builtin.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 由 main.main 调用。
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML 配置文件路径")
	rootCmd.PersistentFlags().String("env-file", ".env", "启动前载入的 .env 文件，不存在时忽略")
}
