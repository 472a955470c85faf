package manager

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"camarray/internal/apperr"
	"camarray/internal/camera"
	"camarray/internal/config"
	"camarray/internal/identity"
)

type testEnv struct {
	mgr     *Manager
	backend *camera.MockBackend
	infos   []camera.DeviceInfo
}

func newTestEnv(t *testing.T, modify func(cfg *config.Config)) *testEnv {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Camera.Backend = "mock"
	cfg.Data.PathJSON = filepath.Join(dir, "cameras.json")
	cfg.Results.Dir = filepath.Join(dir, "results")
	cfg.Grab.AutoExposure.Samples = 2
	if modify != nil {
		modify(cfg)
	}

	infos := []camera.DeviceInfo{
		camera.MockDeviceInfo("/dev/mock0", "MockCam", "S0"),
		camera.MockDeviceInfo("/dev/mock1", "MockCam", "S1"),
	}
	backend := camera.NewMockBackend(infos...)

	mgr, err := New(cfg, backend, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })

	return &testEnv{mgr: mgr, backend: backend, infos: infos}
}

func (e *testEnv) configure(t *testing.T) []identity.LogicalCamera {
	t.Helper()
	cams, err := e.mgr.Configure(context.Background(), identity.PolicyKeepMissing)
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	return cams
}

func TestCapture_OrderIsImageMajor(t *testing.T) {
	for _, concurrent := range []bool{true, false} {
		name := "sequential"
		if concurrent {
			name = "concurrent"
		}
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, func(cfg *config.Config) { cfg.Grab.Concurrent = concurrent })
			env.configure(t)

			res, err := env.mgr.Capture(context.Background(), CaptureRequest{
				Identities: []string{"camera_0", "camera_1"},
				Count:      3,
			})
			if err != nil {
				t.Fatalf("Capture() error = %v", err)
			}
			if len(res) != 6 {
				t.Fatalf("len(results) = %d, want 6", len(res))
			}
			for i, r := range res {
				want := []string{"camera_0", "camera_1"}[i%2]
				if r.Identity != want {
					t.Errorf("results[%d].Identity = %s, want %s", i, r.Identity, want)
				}
				if !r.Success {
					t.Errorf("results[%d] failed: %v", i, *r.ErrorMsg)
				}
				if r.ImagePath == nil {
					t.Errorf("results[%d].ImagePath is nil", i)
				}
			}

			history, err := env.mgr.History(context.Background(), "camera_1")
			if err != nil {
				t.Fatal(err)
			}
			if len(history) != 3 {
				t.Errorf("len(history) = %d, want 3", len(history))
			}
		})
	}
}

func TestCapture_AllCamerasWhenEmpty(t *testing.T) {
	env := newTestEnv(t, nil)
	env.configure(t)

	res, err := env.mgr.Capture(context.Background(), CaptureRequest{Count: 1})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if len(res) != 2 || res[0].Identity != "camera_0" || res[1].Identity != "camera_1" {
		t.Errorf("results = %+v", res)
	}
	// 既定の露出は auto
	if !res[0].AutoExposure {
		t.Error("AutoExposure = false, want default auto")
	}
}

func TestCapture_PerImageExposure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.configure(t)

	res, err := env.mgr.Capture(context.Background(), CaptureRequest{
		Identities: []string{"camera_0"},
		Exposures:  []camera.Exposure{camera.FixedExposure(1000), camera.FixedExposure(2000)},
		Count:      2,
	})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if res[0].ExposureTime != 1000 || res[1].ExposureTime != 2000 {
		t.Errorf("exposure = %d, %d, want 1000, 2000", res[0].ExposureTime, res[1].ExposureTime)
	}
}

func TestCapture_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  CaptureRequest
		want apperr.Kind
	}{
		{name: "枚数0", req: CaptureRequest{Count: 0}, want: apperr.KindValidation},
		{name: "枚数が上限超過", req: CaptureRequest{Count: 11}, want: apperr.KindValidation},
		{name: "hdr", req: CaptureRequest{Count: 1, Exposures: []camera.Exposure{{Mode: camera.ExposureHDR}}}, want: apperr.KindNotImplemented},
		{
			name: "露出の数が不一致",
			req:  CaptureRequest{Count: 3, Exposures: []camera.Exposure{camera.FixedExposure(1), camera.FixedExposure(2)}},
			want: apperr.KindValidation,
		},
		{name: "不正な名前", req: CaptureRequest{Count: 1, Identities: []string{"a/b"}}, want: apperr.KindValidation},
		{name: "未設定の名前", req: CaptureRequest{Count: 1, Identities: []string{"nope"}}, want: apperr.KindNotFound},
	}

	env := newTestEnv(t, nil)
	env.configure(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.mgr.Capture(context.Background(), tt.req)
			if got := apperr.KindOf(err); got != tt.want {
				t.Errorf("kind = %v, want %v (err = %v)", got, tt.want, err)
			}
		})
	}
}

func TestCapture_RequiresConfiguration(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.mgr.Capture(context.Background(), CaptureRequest{Count: 1})
	if !apperr.Is(err, apperr.KindConfigurationRequired) {
		t.Errorf("kind = %v, want %v", apperr.KindOf(err), apperr.KindConfigurationRequired)
	}
}

func TestCapture_FailureDoesNotStopSiblings(t *testing.T) {
	env := newTestEnv(t, nil)
	env.configure(t)
	env.backend.Device(env.infos[1]).SetAlwaysFail(true)

	res, err := env.mgr.Capture(context.Background(), CaptureRequest{Count: 2, Exposures: []camera.Exposure{camera.FixedExposure(1000)}})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	for i, r := range res {
		if r.Identity == "camera_0" && !r.Success {
			t.Errorf("results[%d] camera_0 failed", i)
		}
		if r.Identity == "camera_1" {
			if r.Success {
				t.Errorf("results[%d] camera_1 succeeded", i)
			}
			if r.ErrorMsg == nil || !strings.Contains(*r.ErrorMsg, "max attempts exceeded") {
				t.Errorf("results[%d].ErrorMsg = %v", i, r.ErrorMsg)
			}
		}
	}

	latest, err := env.mgr.Latest(context.Background(), "camera_1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Success || latest.ImagePath != nil {
		t.Errorf("Latest(camera_1) = %+v", latest)
	}
}

func TestCapture_DisconnectedCamera(t *testing.T) {
	env := newTestEnv(t, nil)
	env.configure(t)
	env.backend.RemoveDevice("/dev/mock1")

	res, err := env.mgr.Capture(context.Background(), CaptureRequest{Count: 1})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(res))
	}
	if !res[0].Success {
		t.Error("camera_0 failed")
	}
	if res[1].Success || res[1].ErrorMsg == nil {
		t.Errorf("camera_1 = %+v, want failure", res[1])
	}
}

func TestCapture_AmbiguousCameraFails(t *testing.T) {
	env := newTestEnv(t, nil)
	env.configure(t)
	// 同じ型番とシリアルのデバイスが2台つながった状態
	env.backend.SetDevices(
		camera.MockDeviceInfo("/dev/mock0", "MockCam", "S0"),
		camera.MockDeviceInfo("/dev/mock2", "MockCam", "S1"),
		camera.MockDeviceInfo("/dev/mock3", "MockCam", "S1"),
	)

	res, err := env.mgr.Capture(context.Background(), CaptureRequest{Identities: []string{"camera_0", "camera_1"}, Count: 1})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(res))
	}
	if !res[0].Success {
		t.Errorf("camera_0 = %+v, want success", res[0])
	}
	if res[1].Success || res[1].ErrorMsg == nil || !strings.Contains(*res[1].ErrorMsg, "一意に特定できません") {
		t.Errorf("camera_1 = %+v, want ambiguity failure", res[1])
	}
	if got := env.backend.Device(camera.MockDeviceInfo("/dev/mock2", "MockCam", "S1")).Opens(); got != 0 {
		t.Errorf("曖昧なデバイスが開かれた: Opens = %d", got)
	}
}

func TestCapture_ReleaseAfterBatch(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Grab.ReleaseAfterBatch = true })
	env.configure(t)

	if _, err := env.mgr.Capture(context.Background(), CaptureRequest{Count: 1}); err != nil {
		t.Fatal(err)
	}
	for _, info := range env.infos {
		if env.backend.Device(info).IsStreaming() {
			t.Errorf("%s is still streaming", info.Path)
		}
	}
}

func TestConfigure_ClearsResults(t *testing.T) {
	env := newTestEnv(t, nil)
	env.configure(t)

	if _, err := env.mgr.Capture(context.Background(), CaptureRequest{Count: 1}); err != nil {
		t.Fatal(err)
	}
	env.configure(t)

	_, err := env.mgr.Latest(context.Background(), "camera_0")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("kind = %v, want %v", apperr.KindOf(err), apperr.KindNotFound)
	}
}

func TestRename_MovesHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.configure(t)

	if _, err := env.mgr.Capture(context.Background(), CaptureRequest{Identities: []string{"camera_0"}, Count: 1}); err != nil {
		t.Fatal(err)
	}
	if err := env.mgr.Rename(context.Background(), "camera_0", "front"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}

	latest, err := env.mgr.Latest(context.Background(), "front")
	if err != nil {
		t.Fatalf("Latest(front) error = %v", err)
	}
	if latest.Identity != "front" {
		t.Errorf("Identity = %s, want front", latest.Identity)
	}
	if _, err := env.mgr.Latest(context.Background(), "camera_0"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Latest(camera_0) kind = %v, want not_found", apperr.KindOf(err))
	}

	// 新しい名前で撮影できる
	res, err := env.mgr.Capture(context.Background(), CaptureRequest{Identities: []string{"front"}, Count: 1})
	if err != nil || !res[0].Success {
		t.Errorf("Capture(front) = %+v, %v", res, err)
	}
}

func TestRename_RollsBackWhenHistoryMoveFails(t *testing.T) {
	env := newTestEnv(t, nil)
	env.configure(t)

	// 結果の一覧を読めない状態にする
	if err := os.MkdirAll(env.mgr.results.IndexPath(), 0o755); err != nil {
		t.Fatal(err)
	}

	err := env.mgr.Rename(context.Background(), "camera_0", "front")
	if !apperr.Is(err, apperr.KindIO) {
		t.Fatalf("Rename() error = %v, want io_error", err)
	}

	cams, err := env.mgr.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(cams))
	for _, cam := range cams {
		names = append(names, cam.Identity)
	}
	if strings.Join(names, ",") != "camera_0,camera_1" {
		t.Errorf("identities = %v, want [camera_0 camera_1]", names)
	}
}

func TestSetDefaults(t *testing.T) {
	env := newTestEnv(t, nil)
	env.configure(t)
	ctx := context.Background()

	if err := env.mgr.SetDefaultExposure(ctx, "camera_0", camera.FixedExposure(1234)); err != nil {
		t.Fatal(err)
	}
	if err := env.mgr.SetDefaultRotation(ctx, "camera_0", 90); err != nil {
		t.Fatal(err)
	}

	res, err := env.mgr.Capture(ctx, CaptureRequest{Identities: []string{"camera_0"}, Count: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res[0].ExposureTime != 1234 || res[0].AutoExposure {
		t.Errorf("exposure = %d (auto=%v), want 1234", res[0].ExposureTime, res[0].AutoExposure)
	}
	if res[0].RotationAngle != "90 (clockwise)" {
		t.Errorf("RotationAngle = %q", res[0].RotationAngle)
	}

	if err := env.mgr.SetDefaultRotation(ctx, "camera_0", 45); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("SetDefaultRotation(45) kind = %v", apperr.KindOf(err))
	}
	if err := env.mgr.SetDefaultExposure(ctx, "nope", camera.AutoExposure()); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("SetDefaultExposure(nope) kind = %v", apperr.KindOf(err))
	}
}

func TestCheck(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.mgr.Check(ctx); !apperr.Is(err, apperr.KindConfigurationRequired) {
		t.Errorf("Check() before configure kind = %v", apperr.KindOf(err))
	}

	env.configure(t)
	env.backend.RemoveDevice("/dev/mock1")
	env.backend.AddDevice(camera.MockDeviceInfo("/dev/mock2", "MockCam", "S2"))

	report, err := env.mgr.Check(ctx)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(report.Cameras) != 2 {
		t.Fatalf("len(Cameras) = %d, want 2", len(report.Cameras))
	}
	if !report.Cameras[0].Connected || report.Cameras[0].Path != "/dev/mock0" {
		t.Errorf("camera_0 = %+v", report.Cameras[0])
	}
	if report.Cameras[1].Connected || report.Cameras[1].Reason == "" {
		t.Errorf("camera_1 = %+v", report.Cameras[1])
	}
	if len(report.Unconfigured) != 1 || report.Unconfigured[0].Path != "/dev/mock2" {
		t.Errorf("Unconfigured = %+v", report.Unconfigured)
	}
}

func TestRemoveAllResults(t *testing.T) {
	env := newTestEnv(t, nil)
	env.configure(t)
	ctx := context.Background()

	if _, err := env.mgr.Capture(ctx, CaptureRequest{Count: 1}); err != nil {
		t.Fatal(err)
	}
	if err := env.mgr.RemoveAllResults(ctx); err != nil {
		t.Fatal(err)
	}
	history, err := env.mgr.History(ctx, "camera_0")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("len(history) = %d, want 0", len(history))
	}
}

func TestDecodeQR_MissingFile(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.mgr.DecodeQR(context.Background(), filepath.Join(t.TempDir(), "none.png"))
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("kind = %v, want %v", apperr.KindOf(err), apperr.KindNotFound)
	}
}
