package asset

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// targetKind は参照先の確認方法。
type targetKind int

const (
	kindNetwork targetKind = iota
	kindLocal
	kindFragment
	kindUnsupported
	kindMalformed
)

// classifyTarget は参照先を確認方法ごとに分類する。
// kindMalformedとkindUnsupportedの場合はdetailに理由を返す。
func classifyTarget(target string) (kind targetKind, u *url.URL, detail string) {
	target = strings.TrimSpace(target)
	if target == "" {
		return kindMalformed, nil, "empty target"
	}
	if strings.HasPrefix(target, "#") {
		return kindFragment, nil, "fragment"
	}

	u, err := url.Parse(target)
	if err != nil {
		return kindMalformed, nil, fmt.Sprintf("invalid URL: %v", err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch {
	case scheme == "" && u.Host != "":
		// プロトコル相対URLはhttpsとして確認する
		u.Scheme = "https"
		return kindNetwork, u, ""
	case scheme == "":
		if u.Path == "" {
			return kindMalformed, nil, "empty path"
		}
		return kindLocal, u, ""
	case scheme == "http" || scheme == "https":
		if u.Hostname() == "" {
			return kindMalformed, nil, "missing host"
		}
		return kindNetwork, u, ""
	default:
		return kindUnsupported, nil, "scheme " + scheme
	}
}

// statusClass はHTTPステータスコードの分類。
type statusClass int

const (
	// statusOK は到達可能（2xx/3xx）。
	statusOK statusClass = iota
	// statusDefinitive はリトライしても結果が変わらない失敗（404/410/401/403、その他4xx）。
	statusDefinitive
	// statusTransient はリトライ対象の失敗（429/5xx）。
	statusTransient
)

// classifyHTTPStatus はHTTPステータスコードを分類する。
func classifyHTTPStatus(code int) statusClass {
	switch {
	case code >= 200 && code < 400:
		return statusOK
	case code == http.StatusTooManyRequests:
		return statusTransient
	case code >= 500:
		return statusTransient
	default:
		return statusDefinitive
	}
}

// statusError は成功以外のHTTPステータスを表す。
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.code)
}

// isTransient はリトライ対象のエラーかを判定する。
// 429/5xxとネットワークエラーが対象で、呼び出し元のキャンセルは対象外。
func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return classifyHTTPStatus(se.code) == statusTransient
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// isTimeout はタイムアウトによる失敗かを判定する。
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errThrottled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
