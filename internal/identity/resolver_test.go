package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"camarray/internal/apperr"
	"camarray/internal/camera"
)

func attrs(model, serial string) camera.Attributes {
	m, s := model, serial
	return camera.Attributes{"model": &m, "serial": &s}
}

func physical(index int, model, serial string) camera.PhysicalCamera {
	return camera.PhysicalCamera{
		Index:       index,
		Path:        filepath.Join("/dev", "mock"+string(rune('0'+index))),
		Fingerprint: attrs(model, serial),
	}
}

func newResolver(t *testing.T) (*Resolver, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cameras.json")
	r := NewResolver(NewStore(path), []string{"model", "serial"}, Defaults{
		Exposure: camera.AutoExposure(),
		Gamma:    0.5,
	}, nil)
	return r, path
}

func TestConfigure_AssignsSequentialIdentities(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t)

	cams, err := r.Configure(ctx, []camera.PhysicalCamera{
		physical(0, "M", "A"),
		physical(1, "M", "B"),
	}, PolicyKeepMissing)
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	if len(cams) != 2 {
		t.Fatalf("Expected 2 cameras, got %d", len(cams))
	}
	if cams[0].Identity != "camera_0" || cams[1].Identity != "camera_1" {
		t.Errorf("unexpected identities %s, %s", cams[0].Identity, cams[1].Identity)
	}
	if cams[0].DefaultExposure != camera.AutoExposure() || cams[0].DefaultGamma != 0.5 || cams[0].Rotation != 0 {
		t.Errorf("unexpected defaults %+v", cams[0])
	}
}

func TestReconcile_BijectionIndependentOfOrder(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t)

	if _, err := r.Configure(ctx, []camera.PhysicalCamera{
		physical(0, "M", "A"),
		physical(1, "M", "B"),
		physical(2, "N", "A"),
	}, PolicyKeepMissing); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	// 列挙順が入れ替わっても同じ名前に対応付けられる
	current := []camera.PhysicalCamera{
		physical(0, "N", "A"),
		physical(1, "M", "B"),
		physical(2, "M", "A"),
	}
	rec, err := r.Reconcile(ctx, current)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	want := map[string]int{"camera_0": 2, "camera_1": 1, "camera_2": 0}
	if len(rec.Matched) != len(want) {
		t.Fatalf("Expected %d matches, got %d", len(want), len(rec.Matched))
	}
	for id, index := range want {
		if rec.Matched[id].Index != index {
			t.Errorf("%s: expected index %d, got %d", id, index, rec.Matched[id].Index)
		}
	}
	if len(rec.UnmatchedPhysical) != 0 || len(rec.UnmatchedLogical) != 0 || len(rec.Ambiguities) != 0 {
		t.Errorf("unexpected leftovers %+v", rec)
	}
}

func TestReconcile_Ambiguity(t *testing.T) {
	ctx := context.Background()

	t.Run("デバイス側の重複", func(t *testing.T) {
		r, _ := newResolver(t)
		if _, err := r.Configure(ctx, []camera.PhysicalCamera{physical(0, "M", "A")}, PolicyKeepMissing); err != nil {
			t.Fatalf("Configure failed: %v", err)
		}

		rec, err := r.Reconcile(ctx, []camera.PhysicalCamera{
			physical(0, "M", "A"),
			physical(1, "M", "A"),
		})
		var ambiguity *AmbiguityError
		if !errors.As(err, &ambiguity) {
			t.Fatalf("Expected AmbiguityError, got %v", err)
		}
		if !apperr.Is(err, apperr.KindNotFound) {
			t.Errorf("Expected NotFound kind, got %s", apperr.KindOf(err))
		}
		if len(rec.Matched) != 0 {
			t.Errorf("ambiguous device must not be matched: %+v", rec.Matched)
		}
		if len(ambiguity.Ambiguities) != 1 || len(ambiguity.Ambiguities[0].Paths) != 2 {
			t.Errorf("unexpected ambiguities %+v", ambiguity.Ambiguities)
		}
	})

	t.Run("保存側の重複", func(t *testing.T) {
		r, path := newResolver(t)
		writeCameras(t, path, map[string]LogicalCamera{
			"left":  {Identity: "left", Fingerprint: attrs("M", "A")},
			"right": {Identity: "right", Fingerprint: attrs("M", "A")},
			"other": {Identity: "other", Fingerprint: attrs("M", "C")},
		})

		rec, err := r.Reconcile(ctx, []camera.PhysicalCamera{
			physical(0, "M", "A"),
			physical(1, "M", "C"),
		})
		if err == nil {
			t.Fatal("Expected ambiguity error")
		}
		// 曖昧でない組は対応付けられる
		if rec.Matched["other"].Index != 1 {
			t.Errorf("Expected other to be matched, got %+v", rec.Matched)
		}
		if _, err := rec.Lookup("left"); !apperr.Is(err, apperr.KindNotFound) {
			t.Errorf("Expected NotFound for ambiguous identity, got %v", err)
		}
	})
}

func TestConfigure_PreservesUserFields(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t)

	if _, err := r.Configure(ctx, []camera.PhysicalCamera{physical(0, "M", "A")}, PolicyKeepMissing); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := r.Rename(ctx, "camera_0", "front"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if err := r.SetDefaultRotation(ctx, "front", 90); err != nil {
		t.Fatalf("SetDefaultRotation failed: %v", err)
	}
	if err := r.SetDefaultExposure(ctx, "front", camera.FixedExposure(1500)); err != nil {
		t.Fatalf("SetDefaultExposure failed: %v", err)
	}

	// 別の位置に挿し直し、追加の属性も取れるようになった
	moved := physical(3, "M", "A")
	fw := "1.2"
	moved.Fingerprint["firmware"] = &fw
	cams, err := r.Configure(ctx, []camera.PhysicalCamera{physical(0, "M", "B"), moved}, PolicyKeepMissing)
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	var front *LogicalCamera
	for i := range cams {
		if cams[i].Identity == "front" {
			front = &cams[i]
		}
	}
	if front == nil {
		t.Fatalf("front was not preserved: %+v", cams)
	}
	if front.Rotation != 90 || front.DefaultExposure != camera.FixedExposure(1500) {
		t.Errorf("user fields were not preserved: %+v", front)
	}
	if front.Fingerprint["firmware"] == nil || *front.Fingerprint["firmware"] != "1.2" {
		t.Errorf("fingerprint was not refreshed: %v", front.Fingerprint)
	}
	if front.Order != 3 {
		t.Errorf("Expected order 3, got %d", front.Order)
	}
	if len(cams) != 2 || cams[0].Identity != "camera_0" {
		t.Errorf("Expected new device to be camera_0, got %+v", cams)
	}
}

func TestConfigure_MissingPolicy(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name     string
		policy   MissingPolicy
		wantKept bool
	}{
		{"残す", PolicyKeepMissing, true},
		{"削除する", PolicyDropMissing, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newResolver(t)
			if _, err := r.Configure(ctx, []camera.PhysicalCamera{
				physical(0, "M", "A"),
				physical(1, "M", "B"),
			}, tc.policy); err != nil {
				t.Fatalf("Configure failed: %v", err)
			}

			// camera_1 を取り外して再設定
			cams, err := r.Configure(ctx, []camera.PhysicalCamera{physical(0, "M", "A")}, tc.policy)
			if err != nil {
				t.Fatalf("Configure failed: %v", err)
			}

			kept := false
			for _, cam := range cams {
				if cam.Identity == "camera_1" {
					kept = true
				}
			}
			if kept != tc.wantKept {
				t.Errorf("camera_1 kept = %v, want %v", kept, tc.wantKept)
			}

			listed, err := r.List(ctx)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(listed) != len(cams) {
				t.Errorf("persisted %d cameras, returned %d", len(listed), len(cams))
			}
		})
	}
}

func TestConfigure_AmbiguousDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	r, path := newResolver(t)

	if _, err := r.Configure(ctx, []camera.PhysicalCamera{physical(0, "M", "A")}, PolicyKeepMissing); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	before, _ := os.ReadFile(path)

	_, err := r.Configure(ctx, []camera.PhysicalCamera{
		physical(0, "M", "B"),
		physical(1, "M", "B"),
	}, PolicyDropMissing)
	var ambiguity *AmbiguityError
	if !errors.As(err, &ambiguity) {
		t.Fatalf("Expected AmbiguityError, got %v", err)
	}

	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("persisted file must not change on ambiguity")
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t)
	current := []camera.PhysicalCamera{physical(0, "M", "A"), physical(1, "M", "B")}

	if _, _, err := r.Resolve(ctx, "camera_0", current); !apperr.Is(err, apperr.KindConfigurationRequired) {
		t.Fatalf("Expected ConfigurationRequired, got %v", err)
	}

	if _, err := r.Configure(ctx, current, PolicyKeepMissing); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	pc, cam, err := r.Resolve(ctx, "camera_1", []camera.PhysicalCamera{physical(0, "M", "B")})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if pc.Index != 0 || cam.Identity != "camera_1" {
		t.Errorf("unexpected resolution %+v %+v", pc, cam)
	}

	testCases := []struct {
		name     string
		identity string
		current  []camera.PhysicalCamera
	}{
		{"未知の名前", "nope", current},
		{"接続されていない", "camera_0", []camera.PhysicalCamera{physical(0, "M", "B")}},
		{"曖昧", "camera_0", []camera.PhysicalCamera{physical(0, "M", "A"), physical(1, "M", "A")}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := r.Resolve(ctx, tc.identity, tc.current); !apperr.Is(err, apperr.KindNotFound) {
				t.Errorf("Expected NotFound, got %v", err)
			}
		})
	}
}

func TestMutations_Validation(t *testing.T) {
	ctx := context.Background()
	r, path := newResolver(t)
	if _, err := r.Configure(ctx, []camera.PhysicalCamera{
		physical(0, "M", "A"),
		physical(1, "M", "B"),
	}, PolicyKeepMissing); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	before, _ := os.ReadFile(path)

	testCases := []struct {
		name string
		run  func() error
		kind apperr.Kind
	}{
		{"未知の名前の変更", func() error { return r.Rename(ctx, "nope", "x") }, apperr.KindNotFound},
		{"使えない文字", func() error { return r.Rename(ctx, "camera_0", "a/b") }, apperr.KindValidation},
		{"空の名前", func() error { return r.Rename(ctx, "camera_0", " ") }, apperr.KindValidation},
		{"既存の名前", func() error { return r.Rename(ctx, "camera_0", "camera_1") }, apperr.KindValidation},
		{"未知の名前の露出", func() error { return r.SetDefaultExposure(ctx, "nope", camera.FixedExposure(10)) }, apperr.KindNotFound},
		{"defaultは設定不可", func() error {
			return r.SetDefaultExposure(ctx, "camera_0", camera.Exposure{Mode: camera.ExposureDefault})
		}, apperr.KindValidation},
		{"未知の名前の回転", func() error { return r.SetDefaultRotation(ctx, "nope", 90) }, apperr.KindNotFound},
		{"不正な回転角", func() error { return r.SetDefaultRotation(ctx, "camera_0", 45) }, apperr.KindValidation},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.run(); !apperr.Is(err, tc.kind) {
				t.Errorf("Expected %s, got %v", tc.kind, err)
			}
		})
	}

	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("persisted file must not change on failed mutation")
	}
}

func TestStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.json")
	store := NewStore(path)

	cams, err := store.Load()
	if err != nil || len(cams) != 0 {
		t.Fatalf("Expected empty set, got %v (err=%v)", cams, err)
	}

	fp := attrs("M", "A")
	fp["firmware"] = nil
	if err := store.Update(func(cams map[string]LogicalCamera) error {
		cams["a"] = LogicalCamera{Identity: "a", Fingerprint: fp, Rotation: 180, DefaultExposure: camera.FixedExposure(800), DefaultGamma: 1}
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := loaded["a"]
	if got.Rotation != 180 || got.DefaultExposure != camera.FixedExposure(800) {
		t.Errorf("unexpected camera %+v", got)
	}
	if v, ok := got.Fingerprint["firmware"]; !ok || v != nil {
		t.Errorf("Expected null firmware to round-trip, got %v (present=%v)", v, ok)
	}
}

func writeCameras(t *testing.T, path string, cams map[string]LogicalCamera) {
	t.Helper()
	err := NewStore(path).Update(func(stored map[string]LogicalCamera) error {
		for id := range stored {
			delete(stored, id)
		}
		for id, cam := range cams {
			stored[id] = cam
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}
