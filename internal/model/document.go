// Package model はドメインモデルを定義する。
package model

import "time"

// Metadata はフロントマターから読み取った記事メタデータを表す。
// 既知キーは型付きフィールドに格納し、未知キーはExtraにそのまま保持する。
type Metadata struct {
	Title        string
	Subtitle     string
	Tags         []string
	Language     string
	Draft        bool
	PublishedAt  *time.Time
	CanonicalURL string

	// EffectiveLanguage は適用する言語。Languageが未指定またはサポート外の場合はデフォルト言語。
	// Languageは入力どおりに保持し、こちらはGateが設定する。
	EffectiveLanguage string

	// Extra は未知キーの値を入力どおりに保持する。
	Extra map[string]any

	// Present はフロントマターに実際に存在したキーの集合。
	Present map[string]bool

	// CoercionErrors は型変換に失敗したキー。パース失敗ではなく検証違反として扱う。
	CoercionErrors []CoercionError
}

// Has はキーがフロントマターに存在したかを返す。
func (m Metadata) Has(key string) bool {
	return m.Present[key]
}

// IsEmpty はメタデータブロックが存在しなかった（または空だった）かを返す。
func (m Metadata) IsEmpty() bool {
	return len(m.Present) == 0
}

// CoercionError は既知キーの型変換失敗を表す。
type CoercionError struct {
	Key      string
	Expected string
	Value    string
}

// ParsedDocument はメタデータブロックと本文に分割された文書。
// リクエスト単位で生成され、Gate評価の間のみ保持される。
type ParsedDocument struct {
	Metadata Metadata
	Body     string
}
