package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/feedgrab/internal/downloader"
	"github.com/hitoshi/feedgrab/internal/middleware"
	"github.com/hitoshi/feedgrab/internal/model"
	"github.com/hitoshi/feedgrab/internal/worker/scheduler"
)

// HealthReporter はスケジューラの稼働状態を返す。
type HealthReporter interface {
	Health() scheduler.Health
}

// DownloaderService はダウンローダー接続の状態確認と接続テストを行う。
type DownloaderService interface {
	Status() downloader.ConnectionStatus
	TestConnection(ctx context.Context) downloader.TestResult
}

// StatsReader は累積カウンタを返す。
type StatsReader interface {
	Stats() model.Stats
}

// OpsHandler は運用向けエンドポイントのハンドラー。
type OpsHandler struct {
	health     HealthReporter
	downloader DownloaderService
	stats      StatsReader
}

// NewOpsHandler はOpsHandlerの新しいインスタンスを生成する。
func NewOpsHandler(health HealthReporter, dl DownloaderService, stats StatsReader) *OpsHandler {
	return &OpsHandler{health: health, downloader: dl, stats: stats}
}

// Health は GET /health を処理する。healthyなら200、そうでなければ503を返す。
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.health.Health()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	middleware.WriteJSON(w, status, health)
}

// DownloaderStatus は GET /api/downloader/status を処理する。
func (h *OpsHandler) DownloaderStatus(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.downloader.Status())
}

// TestDownloader は POST /api/downloader/test を処理する。
// 認証情報が未設定の場合は接続を試みず400を返す。
func (h *OpsHandler) TestDownloader(w http.ResponseWriter, r *http.Request) {
	if !h.downloader.Status().Configured {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, "NOT_CONFIGURED", "ダウンローダーの認証情報が設定されていません")
		return
	}

	result := h.downloader.TestConnection(r.Context())
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	middleware.WriteJSON(w, status, result)
}

// Stats は GET /api/stats を処理する。
func (h *OpsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.stats.Stats())
}
