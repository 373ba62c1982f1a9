// Package mdscan はMarkdown本文を構造的に走査するための補助関数を提供する。
// 完全なMarkdownパーサーではなく、コードブロックとインラインコードの除外、
// 行番号の算出のみを扱う。
package mdscan

import "strings"

// MaskCode はフェンスドコードブロックとインラインコードの内容を空白に置き換えた文字列を返す。
// 改行とバイト位置は保持されるため、結果上のオフセットは元の本文にそのまま対応する。
func MaskCode(body string) string {
	out := []byte(body)
	lines := strings.SplitAfter(body, "\n")

	offset := 0
	segStart := -1
	var fenceChar byte
	fenceLen := 0

	for _, line := range lines {
		char, n, isFence := fenceMarker(line)

		switch {
		case fenceLen > 0:
			blank(out, offset, offset+len(line))
			if isFence && char == fenceChar && n >= fenceLen && strings.TrimSpace(trimFence(line)) == "" {
				fenceLen = 0
			}
		case isFence:
			if segStart >= 0 {
				maskInline(out, segStart, offset)
				segStart = -1
			}
			fenceChar, fenceLen = char, n
			blank(out, offset, offset+len(line))
		default:
			if segStart < 0 {
				segStart = offset
			}
		}
		offset += len(line)
	}
	if segStart >= 0 {
		maskInline(out, segStart, len(out))
	}
	return string(out)
}

// fenceMarker は行がフェンス（```または~~~、3文字以上、インデント3以下）で始まるかを判定する。
func fenceMarker(line string) (byte, int, bool) {
	indent := 0
	for indent < len(line) && indent < 4 && line[indent] == ' ' {
		indent++
	}
	if indent > 3 || indent >= len(line) {
		return 0, 0, false
	}
	c := line[indent]
	if c != '`' && c != '~' {
		return 0, 0, false
	}
	n := 0
	for indent+n < len(line) && line[indent+n] == c {
		n++
	}
	if n < 3 {
		return 0, 0, false
	}
	if c == '`' && strings.ContainsRune(line[indent+n:], '`') {
		return 0, 0, false
	}
	return c, n, true
}

// trimFence はフェンス文字を除いた行の残りを返す。
func trimFence(line string) string {
	s := strings.TrimLeft(line, " ")
	return strings.TrimLeft(s, "`~")
}

// maskInline はout[start:end]内のインラインコード（同じ長さのバッククォート列で囲まれた範囲）を空白にする。
// 閉じられていないバッククォート列はそのまま残す。
func maskInline(out []byte, start, end int) {
	i := start
	for i < end {
		if out[i] != '`' || (i > start && out[i-1] == '\\') {
			i++
			continue
		}
		n := runLength(out, i, end)
		closeAt := findRun(out, i+n, end, n)
		if closeAt < 0 {
			i += n
			continue
		}
		blank(out, i, closeAt+n)
		i = closeAt + n
	}
}

// runLength はout[i]から連続するバッククォートの数を返す。
func runLength(out []byte, i, end int) int {
	n := 0
	for i+n < end && out[i+n] == '`' {
		n++
	}
	return n
}

// findRun はfrom以降でちょうどn個のバッククォート列の開始位置を返す。
func findRun(out []byte, from, end, n int) int {
	i := from
	for i < end {
		if out[i] != '`' {
			i++
			continue
		}
		m := runLength(out, i, end)
		if m == n {
			return i
		}
		i += m
	}
	return -1
}

// blank は改行以外を空白に置き換える。
func blank(out []byte, start, end int) {
	for i := start; i < end; i++ {
		if out[i] != '\n' && out[i] != '\r' {
			out[i] = ' '
		}
	}
}

// LineAt はバイトオフセットに対応する1始まりの行番号を返す。
func LineAt(body string, offset int) int {
	if offset > len(body) {
		offset = len(body)
	}
	return strings.Count(body[:offset], "\n") + 1
}
