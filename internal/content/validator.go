package content

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/publishgate/internal/mdscan"
	"github.com/hitoshi/publishgate/internal/model"
)

// Limits は検証ルールの上限値と言語設定。
// 上限値が0以下のルールは無効になる。
type Limits struct {
	MaxTitleLength     int
	MaxSubtitleLength  int
	MaxTags            int
	MinBodyLength      int
	SupportedLanguages []string
	DefaultLanguage    string
	RequireHeading     bool
}

// DefaultLimits はデフォルトの検証設定を返す。
func DefaultLimits() Limits {
	return Limits{
		MaxTitleLength:     100,
		MaxSubtitleLength:  200,
		MaxTags:            5,
		MinBodyLength:      50,
		SupportedLanguages: []string{"en"},
		DefaultLanguage:    "en",
	}
}

// NormalizeLanguage は言語タグを主言語の小文字表記にする（"en-US" → "en"）。
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}
	return lang
}

// EffectiveLanguage は文書に適用する言語を返す。
// 未指定またはサポート外の言語はデフォルト言語にフォールバックする（違反にはしない）。
func (l Limits) EffectiveLanguage(lang string) string {
	normalized := NormalizeLanguage(lang)
	for _, supported := range l.SupportedLanguages {
		if normalized != "" && NormalizeLanguage(supported) == normalized {
			return normalized
		}
	}
	return NormalizeLanguage(l.DefaultLanguage)
}

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// topLevelHeading はATX形式の見出し1、またはSetext形式の見出し1に一致する。
var topLevelHeading = regexp.MustCompile(`(?m)^ {0,3}#[ \t]+\S|^[^\n]*\S[^\n]*\r?\n {0,3}=+[ \t]*\r?$`)

// Validate は文書を全ルールで検証する。最初の違反で打ち切らず、すべての違反を返す。
// 違反の並びはルールの評価順で、同じ入力に対して常に同じ結果になる。
func Validate(doc model.ParsedDocument, limits Limits) model.ValidationResult {
	var result model.ValidationResult
	meta := doc.Metadata
	typeErrors := coercionErrorsByField(meta.CoercionErrors)

	if !addTypeViolation(&result, typeErrors, KeyTitle) {
		validateTitle(&result, meta, limits)
	}
	if !addTypeViolation(&result, typeErrors, KeySubtitle) {
		if n := utf8.RuneCountInString(meta.Subtitle); limits.MaxSubtitleLength > 0 && n > limits.MaxSubtitleLength {
			result.Add(KeySubtitle, model.RuleMaxLength, "サブタイトルは%d文字以内にしてください（現在%d文字）", limits.MaxSubtitleLength, n)
		}
	}
	if !addTypeViolation(&result, typeErrors, KeyTags) {
		validateTags(&result, meta.Tags, limits)
	}
	addTypeViolation(&result, typeErrors, KeyLanguage)
	addTypeViolation(&result, typeErrors, KeyDraft)
	addTypeViolation(&result, typeErrors, KeyPublishedAt)
	if !addTypeViolation(&result, typeErrors, KeyCanonicalURL) && meta.CanonicalURL != "" {
		if !isAbsoluteHTTPURL(meta.CanonicalURL) {
			result.Add(KeyCanonicalURL, model.RuleFormat, "canonical_urlはhttpまたはhttpsの絶対URLで指定してください")
		}
	}

	validateBody(&result, doc.Body, limits)
	return result
}

func validateTitle(result *model.ValidationResult, meta model.Metadata, limits Limits) {
	if strings.TrimSpace(meta.Title) == "" {
		result.Add(KeyTitle, model.RuleRequired, "タイトルは必須です")
		return
	}
	if n := utf8.RuneCountInString(meta.Title); limits.MaxTitleLength > 0 && n > limits.MaxTitleLength {
		result.Add(KeyTitle, model.RuleMaxLength, "タイトルは%d文字以内にしてください（現在%d文字）", limits.MaxTitleLength, n)
	}
}

func validateTags(result *model.ValidationResult, tags []string, limits Limits) {
	if limits.MaxTags > 0 && len(tags) > limits.MaxTags {
		result.Add(KeyTags, model.RuleMaxCount, "タグは%d個までです（現在%d個）", limits.MaxTags, len(tags))
	}
	for i, tag := range tags {
		if tag == "" {
			result.Add(KeyTags, model.RuleEmpty, "%d番目のタグが空です", i+1)
			continue
		}
		if !tagPattern.MatchString(tag) {
			result.Add(KeyTags, model.RuleFormat, "タグ %q には英数字とハイフンのみ使用できます", tag)
		}
	}
}

func validateBody(result *model.ValidationResult, body string, limits Limits) {
	if limits.MinBodyLength > 0 {
		if n := PlainTextLength(body); n < limits.MinBodyLength {
			result.Add("body", model.RuleMinLength, "本文は%d文字以上必要です（現在%d文字）", limits.MinBodyLength, n)
		}
	}
	for _, finding := range FindUnsafeMarkup(body) {
		result.Add("body", model.RuleUnsafeMarkup, "%s", finding)
	}
	if limits.RequireHeading && !topLevelHeading.MatchString(mdscan.MaskCode(body)) {
		result.Add("body", model.RuleHeading, "本文に見出し1（# 見出し）が必要です")
	}
}

// coercionErrorsByField は型変換エラーを正規化後のフィールド名で引けるようにする。
func coercionErrorsByField(errs []model.CoercionError) map[string]model.CoercionError {
	byField := make(map[string]model.CoercionError, len(errs))
	for _, e := range errs {
		name := strings.ToLower(strings.TrimSpace(e.Key))
		if alias, ok := keyAliases[name]; ok {
			name = alias
		}
		byField[name] = e
	}
	return byField
}

// addTypeViolation はfieldに型変換エラーがあれば違反を追加してtrueを返す。
func addTypeViolation(result *model.ValidationResult, typeErrors map[string]model.CoercionError, field string) bool {
	e, ok := typeErrors[field]
	if !ok {
		return false
	}
	result.Add(field, model.RuleType, "%sは%sで指定してください（値: %s）", e.Key, e.Expected, e.Value)
	return true
}

func isAbsoluteHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
