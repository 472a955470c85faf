package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"camarray/internal/config"
	"camarray/internal/logging"
	"camarray/internal/manager"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// rootOptions は全コマンド共通のフラグ
type rootOptions struct {
	configPath string
	jsonOutput bool
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "camarray",
		Short: "産業用カメラアレイの管理ツール",
		Long: `camarray は複数の産業用カメラを名前で管理し、撮影するためのツールです。

接続順が変わってもデバイスの属性（型番、シリアル番号など）からカメラを特定し、
露出を制御しながら画像を取得して、カメラごとの履歴として保存します。
REST API サーバーとしても動作します。`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// .env があれば読み込む（なくてもよい）
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "設定ファイル (YAML)。省略時は CAMARRAY_CONFIG")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "結果を JSON で出力する")

	cmd.AddCommand(
		newServeCmd(opts),
		newConfigureCmd(opts),
		newListCmd(opts),
		newCheckCmd(opts),
		newCaptureCmd(opts),
		newLatestCmd(opts),
		newRenameCmd(opts),
		newSetExposureCmd(opts),
		newSetRotationCmd(opts),
		newRemoveResultsCmd(opts),
		newDecodeQRCmd(opts),
	)

	return cmd
}

// app はコマンド実行中に使う設定、ロガー、マネージャーをまとめる
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *manager.Manager
	closers []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

// loadApp は設定を読み込み、ロガーとマネージャーを作成する
func loadApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("ロガーの作成に失敗: %w", err)
	}
	slog.SetDefault(logger)

	mgr, err := manager.NewFromConfig(cfg, logger)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		manager: mgr,
		closers: []io.Closer{logCloser, mgr},
	}, nil
}

// printJSON は v をインデント付き JSON で出力する
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
