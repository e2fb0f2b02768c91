package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/pixsearch/internal/middleware"
	"github.com/hitoshi/pixsearch/internal/model"
	"github.com/hitoshi/pixsearch/internal/search"
)

// SearchServiceInterface は検索ハンドラーが必要とするサービスインターフェース。
type SearchServiceInterface interface {
	// Search は検索語で画像を検索する。1ページ目のみ履歴に記録される。
	Search(ctx context.Context, userID, term string, page int) (*model.ImagePage, error)
	// TopSearches は全ユーザーの人気検索語を返す。
	TopSearches(ctx context.Context) ([]model.TermCount, error)
	// History はユーザーの検索履歴を新しい順に返す。
	History(ctx context.Context, userID string) ([]*model.Search, error)
}

// SearchHandler は画像検索と検索履歴のHTTPハンドラー。
type SearchHandler struct {
	service SearchServiceInterface
}

// NewSearchHandler はSearchHandlerを生成する。
func NewSearchHandler(service SearchServiceInterface) *SearchHandler {
	return &SearchHandler{service: service}
}

// searchRequest は画像検索リクエストのボディ。
// pageを省略した場合は1ページ目とする。
type searchRequest struct {
	Term string `json:"term"`
	Page *int   `json:"page"`
}

type imageResponse struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Thumb     string `json:"thumb"`
	Alt       string `json:"alt"`
	Author    string `json:"author"`
	AuthorURL string `json:"authorUrl"`
}

type searchResponse struct {
	Term        string          `json:"term"`
	Total       int             `json:"total"`
	TotalPages  int             `json:"totalPages"`
	CurrentPage int             `json:"currentPage"`
	Images      []imageResponse `json:"images"`
}

type termCountResponse struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

type historyEntryResponse struct {
	ID        string    `json:"id"`
	Term      string    `json:"term"`
	Timestamp time.Time `json:"timestamp"`
}

// Search は画像検索を処理する。
// POST /api/search/search
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthenticationRequiredError())
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}
	page := 1
	if req.Page != nil {
		page = *req.Page
	}

	result, err := h.service.Search(r.Context(), userID, req.Term, page)
	if err != nil {
		handleSearchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSearchResponse(result))
}

// TopSearches は人気検索語の上位を返す。
// GET /api/search/top-searches
func (h *SearchHandler) TopSearches(w http.ResponseWriter, r *http.Request) {
	terms, err := h.service.TopSearches(r.Context())
	if err != nil {
		slog.Error("failed to fetch top searches", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusInternalServerError, model.NewTopSearchesFailedError())
		return
	}

	resp := make([]termCountResponse, len(terms))
	for i, t := range terms {
		resp[i] = termCountResponse{Term: t.Term, Count: t.Count}
	}
	writeJSON(w, http.StatusOK, resp)
}

// History はログインユーザーの検索履歴を返す。
// GET /api/history/history
func (h *SearchHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthenticationRequiredError())
		return
	}

	history, err := h.service.History(r.Context(), userID)
	if err != nil {
		slog.Error("failed to fetch history",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusInternalServerError, model.NewHistoryFailedError())
		return
	}

	resp := make([]historyEntryResponse, len(history))
	for i, s := range history {
		resp[i] = historyEntryResponse{ID: s.ID, Term: s.Term, Timestamp: s.CreatedAt}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSearchError は検索エラーをHTTPレスポンスに変換する。
// 上流APIのエラーは上流と同じステータスで返す。
func handleSearchError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	var upstream *search.UpstreamError
	if errors.As(err, &upstream) {
		middleware.WriteErrorResponse(w, upstream.StatusCode, model.NewSearchFailedError(upstream.Message))
		return
	}

	slog.Error("image search failed", slog.String("error", err.Error()))
	middleware.WriteErrorResponse(w, http.StatusInternalServerError, model.NewSearchFailedError(""))
}

func toSearchResponse(page *model.ImagePage) searchResponse {
	images := make([]imageResponse, len(page.Images))
	for i, img := range page.Images {
		images[i] = imageResponse{
			ID:        img.ID,
			URL:       img.URL,
			Thumb:     img.Thumb,
			Alt:       img.Alt,
			Author:    img.Author,
			AuthorURL: img.AuthorURL,
		}
	}
	return searchResponse{
		Term:        page.Term,
		Total:       page.Total,
		TotalPages:  page.TotalPages,
		CurrentPage: page.CurrentPage,
		Images:      images,
	}
}
