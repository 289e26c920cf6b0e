package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/lead-enricher/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job API",
	Long:  "Serves the job API. POST /process enriches a batch from the configured source in the background.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		cfg.Server.Port = port

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		src, err := env.Source(cfg.Source)
		if err != nil {
			return err
		}

		srv := server.New(server.Options{
			Manager:        env.Manager,
			Store:          env.Store,
			Source:         src,
			JobConfig:      env.JobConfig,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Version:        version,
		})
		return srv.ListenAndServe(ctx, port)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
