package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"camarray/internal/camera"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Camera  CameraConfig  `yaml:"camera"`
	Data    DataConfig    `yaml:"data"`
	Grab    GrabConfig    `yaml:"grab"`
	Results ResultsConfig `yaml:"results"`
	QRCode  QRCodeConfig  `yaml:"qrcode"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Backend     string `yaml:"backend"`      // v4l2 または mock
	MockDevices int    `yaml:"mock_devices"` // mock バックエンドで模擬するデバイス数

	// 指紋として記録する属性と、照合に使う属性
	InfoFields []string `yaml:"info_fields"`
	MatchKeys  []string `yaml:"match_keys"`

	// 再設定時に見つからなかった既存カメラを残すかどうか
	KeepMissing bool `yaml:"keep_missing"`

	// 新規カメラのデフォルト値
	DefaultExposure string  `yaml:"default_exposure"` // マイクロ秒の整数または "auto"
	DefaultGamma    float64 `yaml:"default_gamma"`
}

// DataConfig は永続化ファイルの設定
type DataConfig struct {
	PathJSON string `yaml:"path_json"` // 設定済みカメラを保存するJSONファイル
}

// GrabConfig は画像取得の設定
type GrabConfig struct {
	Timeout           time.Duration      `yaml:"timeout"`             // 1回の取得のタイムアウト
	MaxAttempts       int                `yaml:"max_attempts"`        // 取得失敗時の再試行回数
	MaxImageNum       int                `yaml:"max_image_num"`       // 1回の撮影で取得できる最大枚数
	Concurrent        bool               `yaml:"concurrent"`          // 同じ周回のカメラを並行して撮影する
	ReleaseAfterBatch bool               `yaml:"release_after_batch"` // 撮影後にハンドルを解放する
	AutoExposure      AutoExposureConfig `yaml:"autoexposure"`
}

// AutoExposureConfig は自動露出の収束方法の設定
type AutoExposureConfig struct {
	Strategy   string  `yaml:"strategy"`   // fixed_samples または threshold
	Brightness float64 `yaml:"brightness"` // 目標輝度 (0..1)
	Samples    int     `yaml:"samples"`    // 収束に使うフレーム数（上限）
	Threshold  float64 `yaml:"threshold"`  // threshold 方式の許容誤差
}

// ResultsConfig は撮影結果の保存設定
type ResultsConfig struct {
	Dir          string `yaml:"dir"`
	MaxResultNum int    `yaml:"max_result_num"` // カメラごとに保持する結果数
}

// QRCodeConfig はQRコード検出の設定
type QRCodeConfig struct {
	MaxIterations int  `yaml:"max_iterations"`
	Padding       int  `yaml:"padding"` // 塗りつぶし領域の余白（ピクセル）
	TryHarder     bool `yaml:"try_harder"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level    string `yaml:"level"`    // debug, info, warn, error
	Format   string `yaml:"format"`   // text または json
	Filename string `yaml:"filename"` // 空の場合は標準エラー出力のみ
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // 撮影が長引く場合があるためタイムアウト無効化
		},
		Camera: CameraConfig{
			Backend:         "v4l2",
			MockDevices:     2,
			InfoFields:      []string{"vendor", "model", "serial", "bus_info", "driver", "device_path"},
			MatchKeys:       []string{"model", "serial"},
			KeepMissing:     true,
			DefaultExposure: "auto",
			DefaultGamma:    0.5,
		},
		Data: DataConfig{
			PathJSON: "data/cameras.json",
		},
		Grab: GrabConfig{
			Timeout:     5 * time.Second,
			MaxAttempts: 3,
			MaxImageNum: 10,
			Concurrent:  true,
			AutoExposure: AutoExposureConfig{
				Strategy:   "fixed_samples",
				Brightness: 0.5,
				Samples:    7,
				Threshold:  0.05,
			},
		},
		Results: ResultsConfig{
			Dir:          "data/results",
			MaxResultNum: 10,
		},
		QRCode: QRCodeConfig{
			MaxIterations: 32,
			Padding:       4,
			TryHarder:     true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は設定を読み込む
// デフォルト値、YAMLファイル、環境変数の順に上書きする。path が空の場合は CAMARRAY_CONFIG を参照する
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CAMARRAY_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Camera.Backend = getEnvOrDefault("CAMARRAY_BACKEND", c.Camera.Backend)
	c.Data.PathJSON = getEnvOrDefault("CAMARRAY_DATA_PATH", c.Data.PathJSON)
	c.Results.Dir = getEnvOrDefault("CAMARRAY_RESULTS_DIR", c.Results.Dir)
	c.Results.MaxResultNum = getEnvAsIntOrDefault("CAMARRAY_MAX_RESULT_NUM", c.Results.MaxResultNum)
	c.Grab.Timeout = getEnvAsDurationOrDefault("CAMARRAY_GRAB_TIMEOUT", c.Grab.Timeout)
	c.Grab.MaxAttempts = getEnvAsIntOrDefault("CAMARRAY_MAX_ATTEMPTS", c.Grab.MaxAttempts)
	c.Log.Level = getEnvOrDefault("CAMARRAY_LOG_LEVEL", c.Log.Level)
	c.Log.Filename = getEnvOrDefault("CAMARRAY_LOG_FILE", c.Log.Filename)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	switch c.Camera.Backend {
	case "v4l2", "mock":
	default:
		return fmt.Errorf("未対応のバックエンド: %q", c.Camera.Backend)
	}
	if len(c.Camera.MatchKeys) == 0 {
		return fmt.Errorf("match_keys が空です")
	}
	for _, key := range c.Camera.MatchKeys {
		if !contains(c.Camera.InfoFields, key) {
			return fmt.Errorf("match_keys の %q が info_fields に含まれていません", key)
		}
	}
	exp, err := camera.ParseExposure(c.Camera.DefaultExposure)
	if err != nil {
		return fmt.Errorf("無効な default_exposure: %w", err)
	}
	if exp.Mode != camera.ExposureFixed && exp.Mode != camera.ExposureAuto {
		return fmt.Errorf("default_exposure は整数または auto である必要があります: %q", c.Camera.DefaultExposure)
	}

	if c.Data.PathJSON == "" {
		return fmt.Errorf("data.path_json が空です")
	}

	if c.Grab.Timeout <= 0 {
		return fmt.Errorf("無効な取得タイムアウト: %v", c.Grab.Timeout)
	}
	if c.Grab.MaxAttempts < 0 {
		return fmt.Errorf("無効な max_attempts: %d", c.Grab.MaxAttempts)
	}
	if c.Grab.MaxImageNum < 1 {
		return fmt.Errorf("無効な max_image_num: %d", c.Grab.MaxImageNum)
	}
	switch c.Grab.AutoExposure.Strategy {
	case "fixed_samples", "threshold":
	default:
		return fmt.Errorf("未対応の自動露出方式: %q", c.Grab.AutoExposure.Strategy)
	}
	if c.Grab.AutoExposure.Samples < 1 {
		return fmt.Errorf("無効な autoexposure.samples: %d", c.Grab.AutoExposure.Samples)
	}

	if c.Results.Dir == "" {
		return fmt.Errorf("results.dir が空です")
	}
	if c.Results.MaxResultNum < 1 {
		return fmt.Errorf("無効な max_result_num: %d", c.Results.MaxResultNum)
	}

	if c.QRCode.MaxIterations < 1 {
		return fmt.Errorf("無効な qrcode.max_iterations: %d", c.QRCode.MaxIterations)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsDurationOrDefault は環境変数を time.Duration として取得する
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
