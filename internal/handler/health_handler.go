package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/hitoshi/publishgate/internal/middleware"
)

// healthCheckTimeout は依存先1件あたりの確認タイムアウト。
const healthCheckTimeout = 2 * time.Second

// PingFunc は依存先への疎通を確認する。
type PingFunc func(ctx context.Context) error

// HealthHandler は依存先の疎通を確認するHTTPハンドラー。
type HealthHandler struct {
	checks map[string]PingFunc
}

// NewHealthHandler はHealthHandlerを生成する。checksのキーはレスポンスに出力する依存先名。
func NewHealthHandler(checks map[string]PingFunc) *HealthHandler {
	return &HealthHandler{checks: checks}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health は全依存先の疎通を確認する。1件でも失敗した場合は503を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := h.checks[name](ctx)
		cancel()

		if err != nil {
			slog.Warn("health check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			resp.Status = "unavailable"
			resp.Checks[name] = "unavailable"
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	middleware.WriteJSON(w, status, resp)
}
