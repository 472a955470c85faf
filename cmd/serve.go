package cmd

import (
	"strings"

	"camarray/internal/server"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "REST API サーバーを起動する",
		Example: `  # デフォルト設定 (0.0.0.0:8080) で起動
  camarray serve

  # モックのカメラで起動
  CAMARRAY_BACKEND=mock camarray serve --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			// コマンドラインオプションで設定を上書き
			if host != "" {
				a.cfg.Server.Host = host
			}
			if port != 0 {
				a.cfg.Server.Port = port
			}

			if strings.ToLower(a.cfg.Log.Level) != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}

			srv := server.New(a.cfg, a.manager, a.logger)
			a.logger.Info("camarray サーバーを起動します", "addr", a.cfg.ServerAddress(), "backend", a.cfg.Camera.Backend)
			return srv.Start(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "サーバーのポート (デフォルト: 8080)")

	return cmd
}
