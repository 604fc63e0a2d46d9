package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/legamerdc/rio/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
}

// configCmd 打印合并默认值、配置文件与环境变量之后的最终配置。
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "校验并打印生效的配置",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		return enc.Close()
	},
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return config.Config{}, err
		}
	}
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}
