// Package content は文書のフロントマター解析と本文・メタデータの検証を提供する。
package content

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/publishgate/internal/model"
)

// boundaryMarker はメタデータブロックの開始・終了を示す行。
const boundaryMarker = "---"

const bom = "\ufeff"

// 既知キー（正規化後の名前）
const (
	KeyTitle        = "title"
	KeySubtitle     = "subtitle"
	KeyTags         = "tags"
	KeyLanguage     = "language"
	KeyDraft        = "draft"
	KeyPublishedAt  = "published_at"
	KeyCanonicalURL = "canonical_url"
)

// keyAliases は別名キーを正規化後の名前に対応付ける。
var keyAliases = map[string]string{
	"lang": KeyLanguage,
	"date": KeyPublishedAt,
}

// Parse は入力をメタデータブロックと本文に分割する。
// 常に結果を返し、失敗しない。ブロックがない、閉じマーカーがない、
// YAMLとして解釈できない、またはマッピングでない場合は、
// 空のメタデータと入力全体を本文として返す。
func Parse(raw string) model.ParsedDocument {
	block, body, ok := split(raw)
	if !ok {
		return model.ParsedDocument{Body: raw}
	}

	values := map[string]any{}
	if strings.TrimSpace(block) != "" {
		if err := yaml.Unmarshal([]byte(block), &values); err != nil {
			return model.ParsedDocument{Body: raw}
		}
	}

	return model.ParsedDocument{
		Metadata: coerce(values),
		Body:     body,
	}
}

// split はメタデータブロックと本文を切り出す。
// 開始マーカーは最初の空でない行、終了マーカーはその次に現れるマーカー行。
// CRLFの改行と先頭のBOMを許容する。
func split(raw string) (block, body string, ok bool) {
	s := strings.TrimPrefix(raw, bom)

	pos := 0
	opened := false
	blockStart := 0
	for pos < len(s) {
		end := strings.IndexByte(s[pos:], '\n')
		next := len(s)
		if end >= 0 {
			next = pos + end + 1
		}
		line := strings.TrimRight(s[pos:next], " \t\r\n")

		switch {
		case !opened && line == "":
		case !opened && line == boundaryMarker:
			opened = true
			blockStart = next
		case !opened:
			return "", "", false
		case line == boundaryMarker:
			return s[blockStart:pos], s[next:], true
		}
		pos = next
	}
	return "", "", false
}

// knownKeys は型変換の対象となる正規化後のキー名。
var knownKeys = map[string]bool{
	KeyTitle:        true,
	KeySubtitle:     true,
	KeyTags:         true,
	KeyLanguage:     true,
	KeyDraft:        true,
	KeyPublishedAt:  true,
	KeyCanonicalURL: true,
}

// normalizeKey はキーを小文字化し、別名を正式名に置き換える。
func normalizeKey(key string) string {
	name := strings.ToLower(strings.TrimSpace(key))
	if alias, ok := keyAliases[name]; ok {
		return alias
	}
	return name
}

// keyRank は同じ正式名に対応するキーの優先順位。小さいほど優先する。
// 正式名そのもの、小文字の別名、大文字を含む表記の順。
func keyRank(key, name string) int {
	switch {
	case key == name:
		return 0
	case key == strings.ToLower(strings.TrimSpace(key)):
		return 1
	default:
		return 2
	}
}

// coerce はYAMLの値を型付きメタデータに変換する。
// 変換できない既知キーはCoercionErrorsに記録し、値は設定しない。
// 同じ正式名に対応するキーが複数ある場合はkeyRankで1つに決め、残りは無視する。
func coerce(values map[string]any) model.Metadata {
	meta := model.Metadata{Present: map[string]bool{}}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	chosen := map[string]string{}
	for _, key := range keys {
		name := normalizeKey(key)
		if !knownKeys[name] {
			continue
		}
		if cur, ok := chosen[name]; !ok || keyRank(key, name) < keyRank(cur, name) {
			chosen[name] = key
		}
	}

	for _, key := range keys {
		value := values[key]
		name := normalizeKey(key)
		if knownKeys[name] && chosen[name] != key {
			continue
		}

		switch name {
		case KeyTitle:
			meta.Title = coerceString(&meta, key, value)
		case KeySubtitle:
			meta.Subtitle = coerceString(&meta, key, value)
		case KeyLanguage:
			meta.Language = coerceString(&meta, key, value)
		case KeyCanonicalURL:
			meta.CanonicalURL = coerceString(&meta, key, value)
		case KeyTags:
			meta.Tags = coerceTags(&meta, key, value)
		case KeyDraft:
			meta.Draft = coerceBool(&meta, key, value)
		case KeyPublishedAt:
			meta.PublishedAt = coerceTime(&meta, key, value)
		default:
			if meta.Extra == nil {
				meta.Extra = map[string]any{}
			}
			meta.Extra[key] = value
			continue
		}
		meta.Present[name] = true
	}

	sortCoercionErrors(meta.CoercionErrors)
	return meta
}

func addCoercionError(meta *model.Metadata, key, expected string, value any) {
	meta.CoercionErrors = append(meta.CoercionErrors, model.CoercionError{
		Key:      key,
		Expected: expected,
		Value:    fmt.Sprintf("%v", value),
	})
}

// coerceString はスカラー値を文字列に変換する。数値や真偽値は文字列表現を使う。
func coerceString(meta *model.Metadata, key string, value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case int, int64, uint64, float64, bool:
		return fmt.Sprintf("%v", v)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		addCoercionError(meta, key, "string", value)
		return ""
	}
}

// coerceTags はリストまたはカンマ区切り文字列をタグ一覧に変換する。
func coerceTags(meta *model.Metadata, key string, value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		tags := make([]string, 0, len(parts))
		for _, p := range parts {
			tags = append(tags, strings.TrimSpace(p))
		}
		return tags
	case []any:
		tags := make([]string, 0, len(v))
		for _, item := range v {
			switch t := item.(type) {
			case nil:
				tags = append(tags, "")
			case string:
				tags = append(tags, strings.TrimSpace(t))
			case int, int64, uint64, float64, bool:
				tags = append(tags, fmt.Sprintf("%v", t))
			default:
				addCoercionError(meta, key, "list of strings", value)
				return nil
			}
		}
		return tags
	default:
		addCoercionError(meta, key, "list of strings", value)
		return nil
	}
}

// coerceBool は真偽値に変換する。yes/no, on/off, 1/0 も受け付ける。
func coerceBool(meta *model.Metadata, key string, value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		if v == 0 || v == 1 {
			return v == 1
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "yes", "y", "on", "true", "1":
			return true
		case "no", "n", "off", "false", "0", "":
			return false
		}
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	addCoercionError(meta, key, "boolean", value)
	return false
}

// dateLayouts は日時として受け付ける書式。
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerceTime はRFC3339またはYYYY-MM-DD形式の日時に変換する。タイムゾーン指定がない場合はUTCとみなす。
func coerceTime(meta *model.Metadata, key string, value any) *time.Time {
	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		t := v.UTC()
		return &t
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range dateLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	addCoercionError(meta, key, "date (RFC3339 or YYYY-MM-DD)", value)
	return nil
}

// sortCoercionErrors はキー名順に並べ、結果を入力のキー順序に依存させない。
func sortCoercionErrors(errs []model.CoercionError) {
	slices.SortFunc(errs, func(a, b model.CoercionError) int {
		return cmp.Compare(a.Key, b.Key)
	})
}
