// Package asset は本文中の画像・リンク参照を検出し、到達可能性を確認する。
package asset

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/hitoshi/publishgate/internal/mdscan"
	"github.com/hitoshi/publishgate/internal/model"
)

var (
	// inlineRef は ![alt](target "title") と [text](target) に一致する。
	// テキスト部は1段までの入れ子の角括弧、ターゲットは1段までの丸括弧を許容する。
	inlineRef = regexp.MustCompile(`(!?)\[((?:[^\[\]]|\[[^\[\]]*\])*)\]\([ \t]*(<[^<>\n]*>|(?:[^\s()]|\([^\s()]*\))*)(?:[ \t]+(?:"[^"\n]*"|'[^'\n]*'|\([^)\n]*\)))?[ \t]*\)`)

	// referenceDef は [label]: target 形式の参照定義に一致する。
	referenceDef = regexp.MustCompile(`(?m)^ {0,3}\[([^\]]+)\]:[ \t]*(<[^<>\n]*>|\S+)`)

	// imageReference は ![alt][label] と ![label] に一致する。
	imageReference = regexp.MustCompile(`!\[([^\]]*)\](?:\[([^\]]*)\])?`)

	// autolink は <scheme:...> 形式の自動リンクに一致する。
	autolink = regexp.MustCompile(`<([A-Za-z][A-Za-z0-9+.\-]{1,31}:[^\s<>]*)>`)
)

// found は本文中の位置付きの参照。
type found struct {
	offset int
	ref    model.AssetRef
}

// Scan は本文から画像・リンク参照を検出する。
// コードブロックとインラインコード内は対象外。
// (source, target) の組で重複を除き、本文中の出現順に返す。
func Scan(body string) []model.AssetRef {
	masked := mdscan.MaskCode(body)

	var all []found
	all = append(all, scanInline(masked, 0, len(masked))...)
	all = append(all, scanReferenceDefs(masked)...)
	all = append(all, scanUndefinedImageRefs(masked)...)
	all = append(all, scanAutolinks(masked)...)
	all = append(all, scanHTML(masked)...)

	sort.SliceStable(all, func(i, j int) bool { return all[i].offset < all[j].offset })

	type key struct {
		source model.AssetSource
		target string
		embed  string
	}
	seen := map[key]bool{}
	refs := make([]model.AssetRef, 0, len(all))
	for _, f := range all {
		k := key{f.ref.Source, f.ref.Target, f.ref.Embed}
		if seen[k] {
			continue
		}
		seen[k] = true
		f.ref.Line = mdscan.LineAt(body, f.offset)
		refs = append(refs, f.ref)
	}
	return refs
}

// scanInline はs[start:end]内のインライン画像・リンクを検出する。
// リンクテキスト内に埋め込まれた画像（[![alt](img)](link)）も検出する。
func scanInline(s string, start, end int) []found {
	var out []found
	for _, m := range inlineRef.FindAllStringSubmatchIndex(s[start:end], -1) {
		source := model.AssetSourceLink
		if m[3] > m[2] {
			source = model.AssetSourceImage
		}
		out = append(out, found{
			offset: start + m[0],
			ref:    model.AssetRef{Source: source, Target: cleanTarget(s[start+m[6] : start+m[7]])},
		})

		text := s[start+m[4] : start+m[5]]
		if strings.Contains(text, "](") {
			out = append(out, scanInline(s, start+m[4], start+m[5])...)
		}
	}
	return out
}

// imageRefLabel はimageReferenceの一致からラベルを取り出す。
// インライン画像の一部だった場合はfalseを返す。
func imageRefLabel(s string, m []int) (string, bool) {
	if m[1] < len(s) && s[m[1]] == '(' {
		return "", false
	}
	label := s[m[2]:m[3]]
	if m[4] >= 0 && m[5] > m[4] {
		label = s[m[4]:m[5]]
	}
	return normalizeLabel(label), true
}

// scanReferenceDefs は参照定義を検出する。画像参照から使われているラベルはimageとして扱う。
func scanReferenceDefs(s string) []found {
	imageLabels := map[string]bool{}
	for _, m := range imageReference.FindAllStringSubmatchIndex(s, -1) {
		if label, ok := imageRefLabel(s, m); ok {
			imageLabels[label] = true
		}
	}

	var out []found
	for _, m := range referenceDef.FindAllStringSubmatchIndex(s, -1) {
		source := model.AssetSourceLink
		if imageLabels[normalizeLabel(s[m[2]:m[3]])] {
			source = model.AssetSourceImage
		}
		out = append(out, found{
			offset: m[0],
			ref:    model.AssetRef{Source: source, Target: cleanTarget(s[m[4]:m[5]])},
		})
	}
	return out
}

// scanUndefinedImageRefs は定義のない ![alt][label] を検出する。
// 解決できない画像参照として、黙って無視せずに報告する。
func scanUndefinedImageRefs(s string) []found {
	defined := map[string]bool{}
	for _, m := range referenceDef.FindAllStringSubmatchIndex(s, -1) {
		defined[normalizeLabel(s[m[2]:m[3]])] = true
	}

	var out []found
	for _, m := range imageReference.FindAllStringSubmatchIndex(s, -1) {
		// ![label] 単独の形式は通常のテキストとしても使われるため対象外
		if m[4] < 0 {
			continue
		}
		label, ok := imageRefLabel(s, m)
		if !ok || defined[label] {
			continue
		}
		out = append(out, found{
			offset: m[0],
			ref: model.AssetRef{
				Source: model.AssetSourceImage,
				Target: s[m[0]:m[1]],
				Embed:  "image-reference",
			},
		})
	}
	return out
}

func scanAutolinks(s string) []found {
	var out []found
	for _, m := range autolink.FindAllStringSubmatchIndex(s, -1) {
		out = append(out, found{
			offset: m[0],
			ref:    model.AssetRef{Source: model.AssetSourceLink, Target: s[m[2]:m[3]]},
		})
	}
	return out
}

// embedAttrs は確認対象外の埋め込み要素と参照先の属性。
var embedAttrs = map[string][]string{
	"video":  {"src", "poster"},
	"audio":  {"src"},
	"iframe": {"src"},
	"embed":  {"src"},
	"source": {"src", "srcset"},
	"object": {"data"},
}

// scanHTML は<img src>と<a href>を検出する。
// video, audio, iframe, embed, source, objectは埋め込み形式付きで検出する。
func scanHTML(s string) []found {
	var out []found
	z := html.NewTokenizer(strings.NewReader(s))
	offset := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF以外のエラーでも、それまでに検出した参照は有効
			return out
		}
		start := offset
		offset += len(z.Raw())
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}

		tok := z.Token()
		var attr string
		var source model.AssetSource
		switch tok.Data {
		case "img":
			attr, source = "src", model.AssetSourceImage
		case "a":
			attr, source = "href", model.AssetSourceLink
		default:
			out = append(out, scanEmbed(tok, start)...)
			continue
		}
		for _, a := range tok.Attr {
			if a.Key == attr {
				out = append(out, found{
					offset: start,
					ref:    model.AssetRef{Source: source, Target: strings.TrimSpace(a.Val)},
				})
				break
			}
		}
	}
}

// scanEmbed は埋め込み要素の参照先を返す。srcsetは候補ごとに分ける。
func scanEmbed(tok html.Token, offset int) []found {
	attrs, ok := embedAttrs[tok.Data]
	if !ok {
		return nil
	}
	var out []found
	for _, name := range attrs {
		for _, a := range tok.Attr {
			if a.Key != name {
				continue
			}
			targets := []string{strings.TrimSpace(a.Val)}
			if name == "srcset" {
				targets = srcsetURLs(a.Val)
			}
			for _, target := range targets {
				if target == "" {
					continue
				}
				out = append(out, found{
					offset: offset,
					ref:    model.AssetRef{Source: model.AssetSourceImage, Target: target, Embed: tok.Data},
				})
			}
		}
	}
	return out
}

// srcsetURLs は "a.jpg 1x, b.jpg 2x" 形式からURLを取り出す。
func srcsetURLs(srcset string) []string {
	var urls []string
	for _, candidate := range strings.Split(srcset, ",") {
		if fields := strings.Fields(candidate); len(fields) > 0 {
			urls = append(urls, fields[0])
		}
	}
	return urls
}

// cleanTarget は山括弧と前後の空白を取り除く。
func cleanTarget(target string) string {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "<") && strings.HasSuffix(target, ">") {
		target = target[1 : len(target)-1]
	}
	return strings.TrimSpace(target)
}

// normalizeLabel は参照ラベルを大文字小文字・空白の違いを無視して比較できる形にする。
func normalizeLabel(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}
