// ingestctl 运维命令行：回填、同步、释放认领、离线解析、数据库迁移与令牌签发。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hostinbox/backend/internal/app"
	"hostinbox/backend/internal/config"
	"hostinbox/backend/internal/logger"
	"hostinbox/backend/internal/monitoring"
)

var rootCmd = &cobra.Command{
	Use:   "ingestctl",
	Short: "Hostinbox ingestion operations",
	Long:  "Runs backfills, syncs and claim maintenance against the configured mailbox and storage",
	// 子命令出错时只打印错误
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("verbose", false, "Log at debug level")

	rootCmd.AddCommand(backfillCmd, syncCmd, unclaimCmd, parseCmd, migrateCmd, tokenCmd)
}

// loadApp 加载配置并装配组件，调用方负责 Close
func loadApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	// 命令行进程不暴露 /metrics
	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry(), nil)
	return app.New(cfg, log, app.WithMetrics(metrics))
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*zap.Logger, error) {
	logCfg := logger.FromConfig(cfg.Log)
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logCfg.Level = "debug"
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
