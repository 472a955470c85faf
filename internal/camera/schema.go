package camera

import "fmt"

// Attributes はデバイスの属性の組（指紋）
// 値が nil の場合、そのデバイスでは属性を取得できなかったことを表す
type Attributes map[string]*string

// Equal は keys に挙げた属性がすべて等しいかを判定する
// 両方とも取得できなかった属性は等しいとみなす
func (a Attributes) Equal(b Attributes, keys []string) bool {
	for _, key := range keys {
		av, bv := a[key], b[key]
		switch {
		case av == nil && bv == nil:
			continue
		case av == nil || bv == nil:
			return false
		case *av != *bv:
			return false
		}
	}
	return true
}

// Clone はディープコピーを返す
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		if v == nil {
			out[k] = nil
			continue
		}
		s := *v
		out[k] = &s
	}
	return out
}

// Field は指紋を構成する1つの属性
type Field struct {
	Name string
	Get  func(info DeviceInfo) (string, bool)
}

// Schema は指紋に記録する属性の順序付き集合
type Schema struct {
	fields []Field
}

// standardFields はデバイス情報から直接求める属性
var standardFields = map[string]func(DeviceInfo) (string, bool){
	"device_path": func(info DeviceInfo) (string, bool) {
		return info.Path, info.Path != ""
	},
}

// NewSchema は属性名の一覧からスキーマを作成する
// 標準属性以外は DeviceInfo.Raw から同名のキーを読む
func NewSchema(names []string) (*Schema, error) {
	seen := make(map[string]bool, len(names))
	fields := make([]Field, 0, len(names))
	for _, name := range names {
		if name == "" {
			return nil, fmt.Errorf("空の属性名は指定できません")
		}
		if seen[name] {
			return nil, fmt.Errorf("属性名が重複しています: %s", name)
		}
		seen[name] = true

		get, ok := standardFields[name]
		if !ok {
			get = rawField(name)
		}
		fields = append(fields, Field{Name: name, Get: get})
	}
	return &Schema{fields: fields}, nil
}

func rawField(name string) func(DeviceInfo) (string, bool) {
	return func(info DeviceInfo) (string, bool) {
		v, ok := info.Raw[name]
		return v, ok
	}
}

// Names は属性名を宣言順に返す
func (s *Schema) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Resolve はデバイスの指紋を求める
func (s *Schema) Resolve(info DeviceInfo) Attributes {
	attrs := make(Attributes, len(s.fields))
	for _, f := range s.fields {
		if v, ok := f.Get(info); ok {
			value := v
			attrs[f.Name] = &value
		} else {
			attrs[f.Name] = nil
		}
	}
	return attrs
}
