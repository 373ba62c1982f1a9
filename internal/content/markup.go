package content

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/hitoshi/publishgate/internal/mdscan"
)

// disallowedElements は本文に含めてはならない要素。
var disallowedElements = map[string]bool{
	"script": true,
	"iframe": true,
	"object": true,
	"embed":  true,
	"style":  true,
}

// urlAttributes はURLを値に取る属性。
var urlAttributes = map[string]bool{
	"href":       true,
	"src":        true,
	"action":     true,
	"formaction": true,
	"xlink:href": true,
	"data":       true,
	"poster":     true,
	"background": true,
}

// FindUnsafeMarkup は本文中の危険なHTMLを検出し、検出内容の説明を出現順に返す。
// コードブロックとインラインコード内は表示時にエスケープされるため対象外。
// 同じ内容の検出は1件にまとめる。
func FindUnsafeMarkup(body string) []string {
	z := html.NewTokenizer(strings.NewReader(mdscan.MaskCode(body)))

	var findings []string
	seen := map[string]bool{}
	add := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		if !seen[msg] {
			seen[msg] = true
			findings = append(findings, msg)
		}
	}

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() != io.EOF {
				add("HTMLを解析できません: %v", z.Err())
			}
			return findings
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}

		tok := z.Token()
		if disallowedElements[tok.Data] {
			add("許可されていない要素 <%s> が含まれています", tok.Data)
		}
		for _, attr := range tok.Attr {
			key := strings.ToLower(attr.Key)
			if strings.HasPrefix(key, "on") {
				add("イベント属性 %s が <%s> に含まれています", key, tok.Data)
				continue
			}
			if urlAttributes[key] && isScriptURL(attr.Val) {
				add("スクリプトURLが <%s %s> に含まれています", tok.Data, key)
			}
		}
	}
}

// isScriptURL はjavascript:またはvbscript:のURLかを判定する。
// ブラウザが無視する空白や制御文字を挟んだ表記も検出する。
func isScriptURL(value string) bool {
	var b strings.Builder
	for _, r := range value {
		if r <= ' ' || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	v := strings.ToLower(b.String())
	return strings.HasPrefix(v, "javascript:") || strings.HasPrefix(v, "vbscript:")
}
