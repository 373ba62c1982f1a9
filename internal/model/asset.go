package model

// AssetSource は参照の種類（画像/リンク）を表す。
type AssetSource string

const (
	// AssetSourceImage は埋め込み画像。
	AssetSourceImage AssetSource = "image"
	// AssetSourceLink はハイパーリンク。
	AssetSourceLink AssetSource = "link"
)

// AssetStatus は参照の解決結果。
type AssetStatus string

const (
	// AssetStatusOK は到達可能。
	AssetStatusOK AssetStatus = "ok"
	// AssetStatusUnreachable はネットワークエラー、非成功ステータス、タイムアウト、ファイル不在。
	AssetStatusUnreachable AssetStatus = "unreachable"
	// AssetStatusMalformed は解釈できない参照。
	AssetStatusMalformed AssetStatus = "malformed"
	// AssetStatusSkipped はサポート外のスキームや埋め込み形式。
	AssetStatusSkipped AssetStatus = "skipped-unsupported-scheme"
)

// DetailTimeout は全体期限切れで未解決だった参照に付与する理由。
const DetailTimeout = "timeout"

// AssetRef は本文中で検出された参照。
type AssetRef struct {
	Source AssetSource `json:"source"`
	Target string      `json:"target"`
	Line   int         `json:"line"`
	// Embed は確認対象外の埋め込み形式（video, iframe, image-reference など）。空なら通常の参照。
	Embed string `json:"embed,omitempty"`
}

// AssetEntry は1件の参照の解決結果。
type AssetEntry struct {
	AssetRef
	Status     AssetStatus `json:"status"`
	Detail     string      `json:"detail,omitempty"`
	HTTPStatus int         `json:"http_status,omitempty"`
}

// AssetReport は本文中の全参照の解決結果。検出順に各参照がちょうど1件ずつ並ぶ。
type AssetReport []AssetEntry

// Failed はok/skipped以外のエントリを返す。
func (r AssetReport) Failed() []AssetEntry {
	var failed []AssetEntry
	for _, e := range r {
		if e.Status != AssetStatusOK && e.Status != AssetStatusSkipped {
			failed = append(failed, e)
		}
	}
	return failed
}

// Count は指定ステータスのエントリ数を返す。
func (r AssetReport) Count(status AssetStatus) int {
	n := 0
	for _, e := range r {
		if e.Status == status {
			n++
		}
	}
	return n
}
