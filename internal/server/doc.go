// Package server は、カメラアレイを操作するREST APIを提供します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - ルーティングとリクエストIDの付与
//   - アプリケーションのエラー種別からHTTPステータスへの変換
//
// 仕様:
//   - ルーティングは gin を使用
//   - 撮影は同期的に行い、結果をそのまま返す
//   - 最新の撮影画像はファイルとして配信する
package server
