// Package fsx はファイルの原子的な書き込みを提供する
package fsx

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic は path へ原子的に書き込む（同一ディレクトリの一時ファイル + rename）
//
// 途中で失敗した場合、既存のファイルは変更されない。
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ディレクトリの作成に失敗: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("一時ファイルへの書き込みに失敗: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("一時ファイルの同期に失敗: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("一時ファイルのクローズに失敗: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("ファイルの置き換えに失敗: %w", err)
	}
	return nil
}

// WriteJSONAtomic は v をインデント付き JSON として原子的に書き込む
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("JSONのエンコードに失敗: %w", err)
	}
	data = append(data, '\n')
	return WriteFileAtomic(path, data)
}

// ReadJSON は path の JSON を v へ読み込む。ファイルが存在しない場合は false を返す
func ReadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("JSONのデコードに失敗 (%s): %w", path, err)
	}
	return true, nil
}
