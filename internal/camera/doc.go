// Package camera カメラデバイスの列挙とハンドル管理を担う
//
// # 責務
// - カメラデバイスの列挙と属性（指紋）の取得
// - デバイスごとのハンドル（Session）の払い出しと解放
// - 露出などのプロパティ操作とフレーム取得
// - 機種ごとに異なるプロパティ名の吸収
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 接続中のカメラを列挙して指紋を得たい
// - 列挙済みのカメラから1フレームを取得したい
// - 露出・ガンマなどを設定したい
//
// 列挙順は再起動や抜き差しで変わるため、論理的なカメラとの対応付けは
// identity パッケージが指紋を使って行う。
//
// # 仕様
// - Array: 列挙結果とハンドルの管理。見えなくなったデバイスのハンドルは解放する
// - Schema: 指紋として記録する属性の宣言。取得できない属性は nil
// - Session: 初回オープン時にプロパティ名を確定し、以後は記録した名前を使う
// - V4L2Device: v4l2-ctl でコントロール操作、ffmpeg でフレーム取得
// - MockDevice: 露出に比例した明るさの画像を返すテスト・デモ用実装
//
// # 前提要件
//   - v4l-utils: デバイス情報の取得とコントロール操作に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//     Red Hat/Fedora: sudo dnf install v4l-utils
//   - ffmpeg: フレームの取得に使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//     Red Hat/Fedora: sudo dnf install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
