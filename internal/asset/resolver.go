package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/publishgate/internal/model"
	"github.com/hitoshi/publishgate/internal/retry"
)

// HTTPDoer はHTTPリクエストを送信するクライアント。*http.Clientが満たす。
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// URLValidator は送信前にURLを静的に検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// CheckObserver は参照1件の確認結果を受け取る。
type CheckObserver interface {
	ObserveAssetCheck(status string)
}

// Config はResolverの設定。
type Config struct {
	// ContentRoot はローカルパス参照の基準ディレクトリ。参照はこの外を指してはならない。
	ContentRoot string
	// CheckTimeout は1回のHTTPリクエストのタイムアウト。
	CheckTimeout time.Duration
	// Deadline はResolve全体の期限。0の場合は呼び出し元のctxのみに従う。
	Deadline time.Duration
	// MaxConcurrent は同時に確認する参照の最大数。
	MaxConcurrent int
	// Retries は一時的な失敗に対する再試行回数。
	Retries int
	// HostRate はホストごとの毎秒リクエスト数。0以下で無制限。
	HostRate float64
	// HostBurst はホストごとのバースト数。
	HostBurst int
	// UserAgent はHTTPリクエストのUser-Agent。
	UserAgent string
}

// maxProbeBody はGETフォールバック時に読み捨てる最大バイト数。
const maxProbeBody = 1024

// Resolver は本文中の参照を検出し、到達可能性を確認する。
type Resolver struct {
	cfg       Config
	root      string
	client    HTTPDoer
	validator URLValidator
	observer  CheckObserver
	logger    *slog.Logger

	// Backoff は一時的な失敗に対するリトライ間隔。
	Backoff retry.Backoff
}

// NewResolver はResolverを生成する。observerはnilでもよい。
func NewResolver(cfg Config, client HTTPDoer, validator URLValidator, observer CheckObserver, logger *slog.Logger) (*Resolver, error) {
	if cfg.ContentRoot == "" {
		cfg.ContentRoot = "."
	}
	root, err := filepath.Abs(cfg.ContentRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve content root: %w", err)
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "publishgate-asset-check/1.0"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		cfg:       cfg,
		root:      filepath.Clean(root),
		client:    client,
		validator: validator,
		observer:  observer,
		logger:    logger,
		Backoff:   retry.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second},
	}, nil
}

// result は並行確認の1件分の結果。
type result struct {
	index int
	entry model.AssetEntry
}

// Resolve は本文中の参照をすべて確認し、検出順のレポートを返す。
// 各参照はレポートにちょうど1回現れる。全体期限までに確認が終わらなかった参照は
// unreachable（detail: timeout）として報告する。
// 1件の確認の失敗やキャンセルは他の確認に影響しない。
func (r *Resolver) Resolve(ctx context.Context, body string) model.AssetReport {
	refs := Scan(body)
	if len(refs) == 0 {
		return model.AssetReport{}
	}

	if r.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Deadline)
		defer cancel()
	}

	// ホストごとの間隔制御はこの本文の確認だけに適用する
	limiters := newHostLimiters(r.cfg.HostRate, r.cfg.HostBurst)

	// バッファ付きのため、期限後に完了した確認も送信でブロックしない
	results := make(chan result, len(refs))
	go func() {
		var g errgroup.Group
		g.SetLimit(r.cfg.MaxConcurrent)
		for i, ref := range refs {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				results <- result{index: i, entry: r.check(ctx, limiters, ref)}
				return nil
			})
		}
		_ = g.Wait()
	}()

	report := make(model.AssetReport, len(refs))
	filled := make([]bool, len(refs))
	received := 0
collect:
	for received < len(refs) {
		select {
		case res := <-results:
			report[res.index] = res.entry
			filled[res.index] = true
			received++
		case <-ctx.Done():
			break collect
		}
	}
	// 期限と同時に完了していた結果は取り込む
	for drained := false; !drained && received < len(refs); {
		select {
		case res := <-results:
			report[res.index] = res.entry
			filled[res.index] = true
			received++
		default:
			drained = true
		}
	}

	for i, ref := range refs {
		if !filled[i] {
			report[i] = model.AssetEntry{AssetRef: ref, Status: model.AssetStatusUnreachable, Detail: model.DetailTimeout}
		}
		r.observe(report[i].Status)
	}

	if failed := len(report.Failed()); failed > 0 {
		r.logger.Info("asset check found unresolved references",
			slog.Int("total", len(report)),
			slog.Int("failed", failed),
		)
	}
	return report
}

// check は参照1件を確認する。
func (r *Resolver) check(ctx context.Context, limiters *hostLimiters, ref model.AssetRef) model.AssetEntry {
	entry := model.AssetEntry{AssetRef: ref}
	if ref.Embed != "" {
		entry.Status, entry.Detail = model.AssetStatusSkipped, "unsupported embedding: "+ref.Embed
		return entry
	}

	kind, u, detail := classifyTarget(ref.Target)
	switch kind {
	case kindFragment, kindUnsupported:
		entry.Status, entry.Detail = model.AssetStatusSkipped, detail
	case kindMalformed:
		entry.Status, entry.Detail = model.AssetStatusMalformed, detail
	case kindLocal:
		entry.Status, entry.Detail = r.checkLocal(u)
	case kindNetwork:
		entry.Status, entry.HTTPStatus, entry.Detail = r.checkRemote(ctx, limiters, u)
	}
	return entry
}

// checkLocal はContentRoot配下のファイルの存在を確認する。
func (r *Resolver) checkLocal(u *url.URL) (model.AssetStatus, string) {
	full := filepath.Join(r.root, filepath.FromSlash(u.Path))
	rel, err := filepath.Rel(r.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return model.AssetStatusMalformed, "path escapes content root"
	}

	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.AssetStatusUnreachable, "file not found"
		}
		return model.AssetStatusUnreachable, err.Error()
	}
	return model.AssetStatusOK, ""
}

// checkRemote はHTTP(S)の参照先を確認する。429/5xxとネットワークエラーはリトライする。
func (r *Resolver) checkRemote(ctx context.Context, limiters *hostLimiters, u *url.URL) (model.AssetStatus, int, string) {
	target := u.String()
	if r.validator != nil {
		if err := r.validator.ValidateURL(target); err != nil {
			return model.AssetStatusUnreachable, 0, "blocked: " + err.Error()
		}
	}

	var code int
	err := retry.Do(ctx, r.cfg.Retries, r.Backoff, isTransient, func(ctx context.Context) error {
		if err := limiters.Wait(ctx, u.Host); err != nil {
			return err
		}
		var probeErr error
		code, probeErr = r.probe(ctx, target)
		if probeErr != nil {
			return probeErr
		}
		if classifyHTTPStatus(code) != statusOK {
			return &statusError{code: code}
		}
		return nil
	})

	switch {
	case err == nil:
		return model.AssetStatusOK, code, ""
	case isTimeout(err) || ctx.Err() != nil:
		return model.AssetStatusUnreachable, code, model.DetailTimeout
	default:
		var se *statusError
		if errors.As(err, &se) {
			return model.AssetStatusUnreachable, se.code, se.Error()
		}
		return model.AssetStatusUnreachable, 0, err.Error()
	}
}

// probe はHEADで確認し、405/501の場合は先頭1バイトのGETで再確認する。
func (r *Resolver) probe(ctx context.Context, target string) (int, error) {
	code, err := r.request(ctx, http.MethodHead, target)
	if err != nil {
		return 0, err
	}
	if code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented {
		return r.request(ctx, http.MethodGet, target)
	}
	return code, nil
}

func (r *Resolver) request(ctx context.Context, method, target string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody))
	return resp.StatusCode, nil
}

// observe は確認結果を通知する。通知側の失敗はレポートに影響させない。
func (r *Resolver) observe(status model.AssetStatus) {
	if r.observer == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("asset check observer panicked", slog.Any("panic", rec))
		}
	}()
	r.observer.ObserveAssetCheck(string(status))
}
