//go:build linux

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/legamerdc/rio/builtin"
	"github.com/legamerdc/rio/httpserver"
	"github.com/legamerdc/rio/router"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "优雅关闭等待连接断开的最长时间")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP 服务",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := cfg.NewLogger(os.Stdout)
		m := cfg.NewMetrics()
		hc, err := cfg.HTTPServer(log, m)
		if err != nil {
			return err
		}

		r := router.New(log)
		srv, err := httpserver.New(nil, hc, r)
		if err != nil {
			return fmt.Errorf("create server: %w", err)
		}
		if err := builtin.Register(r, builtin.Options{Stats: srv, Metrics: m, Started: time.Now()}); err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		log.Info("riod: serving", "addr", srv.Addr().String(), "loops", len(srv.Loops()), "poller", hc.Server.Poller.String())

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		log.Info("riod: shutting down", "conns", srv.NumConns())
		return srv.Stop(sctx)
	},
}
