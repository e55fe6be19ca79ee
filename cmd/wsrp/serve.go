package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wsrpline/internal/app"
	"wsrpline/internal/logger"
	"wsrpline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Producer HTTP API",
		Long: `Serves the registration operations under /v1 and /v2. The admin API under /{v}/admin
needs a bearer token signed with WSRP_JWT_SECRET ('wsrp token issue') or an
X-Api-Key created with 'wsrp token key create'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				e, err := a.Engine(ctx)
				if err != nil {
					return err
				}
				authCfg := server.AuthConfig{JWTSecret: jwtSecret(cmd), Keys: a.Repo}
				if authCfg.JWTSecret == "" {
					a.Log.Warn().Msg("WSRP_JWT_SECRET is not set; the admin API rejects every request")
				}
				handler, err := server.New(server.Config{
					Engine: e,
					Auth:   authCfg,
					Log:    logger.WithComponent(a.Log, "http"),
				})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, a.Repo, a.Config, a.Log)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving WSRP producer %s on http://%s (OpenAPI at /v2/openapi.json)\n", a.Config.Producer.ID, addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for admin tokens (env WSRP_JWT_SECRET)")
	return cmd
}

// jwtSecret prefers the --jwt-secret flag over WSRP_JWT_SECRET.
func jwtSecret(cmd *cobra.Command) string {
	if s, _ := cmd.Flags().GetString("jwt-secret"); s != "" {
		return s
	}
	return viper.GetString("jwt-secret")
}
