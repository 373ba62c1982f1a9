package content

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// plainTextPolicy はすべてのタグを除去する。script/styleは要素の内容ごと除去される。
var plainTextPolicy = bluemonday.StrictPolicy()

// markdownSyntax はプレーンテキスト化の際に取り除くMarkdown記法と置換文字列。適用順に並ぶ。
var markdownSyntax = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile("(?m)^ {0,3}(?:```|~~~)[^\n]*$"), ""},
	{regexp.MustCompile(`(?m)^ {0,3}\[[^\]]+\]:[ \t]*\S+.*$`), ""},
	{regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`), "$1"},
	{regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`), "$1"},
	{regexp.MustCompile(`\[([^\]]*)\]\[[^\]]*\]`), "$1"},
	{regexp.MustCompile(`(?m)^ {0,3}(?:(?:-[ \t]*){3,}|(?:\*[ \t]*){3,}|(?:_[ \t]*){3,})$`), ""},
	{regexp.MustCompile(`(?m)^ {0,3}#{1,6}[ \t]*`), ""},
	{regexp.MustCompile(`(?m)^[ \t]*(?:>[ \t]?)+`), ""},
	{regexp.MustCompile(`(?m)^[ \t]*(?:[-*+]|\d+[.)])[ \t]+`), ""},
	{regexp.MustCompile("[*`]+|~~"), ""},
}

// underscoreEmphasis は __strong__ と _emphasis_ の記号。単語内の _（snake_case 等）は対象外。
// 前後の境界文字を消費するため、隣接する強調は繰り返し適用して取り除く。
var underscoreEmphasis = []*regexp.Regexp{
	regexp.MustCompile(`(^|[^\p{L}\p{N}_])__([^\s_](?:[^_]*[^\s_])?)__($|[^\p{L}\p{N}_])`),
	regexp.MustCompile(`(^|[^\p{L}\p{N}_])_([^\s_](?:[^_]*[^\s_])?)_($|[^\p{L}\p{N}_])`),
}

func stripUnderscoreEmphasis(text string) string {
	for _, re := range underscoreEmphasis {
		for {
			next := re.ReplaceAllString(text, "${1}${2}${3}")
			if next == text {
				break
			}
			text = next
		}
	}
	return text
}

// PlainText は本文からMarkdown記法とHTMLタグを除き、文字参照を展開して空白を畳んだ文字列を返す。
func PlainText(body string) string {
	text := body
	for _, s := range markdownSyntax {
		text = s.re.ReplaceAllString(text, s.repl)
	}
	text = stripUnderscoreEmphasis(text)
	text = plainTextPolicy.Sanitize(text)
	text = html.UnescapeString(text)
	return strings.Join(strings.Fields(text), " ")
}

// PlainTextLength はPlainTextの文字数（rune数）を返す。
func PlainTextLength(body string) int {
	return utf8.RuneCountInString(PlainText(body))
}
