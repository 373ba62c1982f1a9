package model

import "fmt"

// Violation はフィールド単位の検証違反を表す。
type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// 検証ルール名
const (
	RuleRequired     = "required"
	RuleMaxLength    = "max_length"
	RuleMinLength    = "min_length"
	RuleMaxCount     = "max_count"
	RuleEmpty        = "empty"
	RuleFormat       = "format"
	RuleType         = "type"
	RuleUnsafeMarkup = "unsafe_markup"
	RuleHeading      = "heading"
)

// ValidationResult は全ルールの検証結果。違反が0件であれば妥当。
// 最初の違反で打ち切らず、常に全件を保持する。
type ValidationResult []Violation

// Valid は違反が1件もないかを返す。
func (r ValidationResult) Valid() bool {
	return len(r) == 0
}

// Fields は違反のあったフィールド名を出現順に返す。
func (r ValidationResult) Fields() []string {
	fields := make([]string, 0, len(r))
	for _, v := range r {
		fields = append(fields, v.Field)
	}
	return fields
}

// Add は違反を追記する。
func (r *ValidationResult) Add(field, rule, format string, args ...any) {
	*r = append(*r, Violation{
		Field:   field,
		Rule:    rule,
		Message: fmt.Sprintf(format, args...),
	})
}
