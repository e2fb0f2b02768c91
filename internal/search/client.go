// Package search は画像検索機能を提供する。
// Unsplash APIの呼び出しと、検索履歴・人気検索語の集計を含む。
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hitoshi/pixsearch/internal/model"
)

const (
	// defaultEndpoint はUnsplash写真検索APIのエンドポイント。
	defaultEndpoint = "https://api.unsplash.com/search/photos"
	// perPage は1ページあたりの取得件数。
	perPage = 20
	// maxResponseBytes はレスポンスボディの読み取り上限。
	maxResponseBytes = 4 << 20
)

// UpstreamError は画像検索APIが2xx以外のステータスを返したことを表す。
// Messageは上流が返した最初のエラーメッセージで、空の場合もある。
type UpstreamError struct {
	StatusCode int
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("image search API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("image search API returned status %d: %s", e.StatusCode, e.Message)
}

// ImageSearcher は画像検索APIの呼び出しインターフェース。
type ImageSearcher interface {
	SearchPhotos(ctx context.Context, term string, page int) (*model.ImagePage, error)
}

// Client はUnsplash APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	accessKey  string
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, accessKey string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		accessKey:  accessKey,
		endpoint:   defaultEndpoint,
	}
}

// unsplashPhoto はUnsplash APIの検索結果1件。
type unsplashPhoto struct {
	ID             string `json:"id"`
	AltDescription string `json:"alt_description"`
	URLs           struct {
		Regular string `json:"regular"`
		Small   string `json:"small"`
	} `json:"urls"`
	User struct {
		Name  string `json:"name"`
		Links struct {
			HTML string `json:"html"`
		} `json:"links"`
	} `json:"user"`
}

// unsplashResponse はUnsplash写真検索APIのレスポンス。
type unsplashResponse struct {
	Total      int             `json:"total"`
	TotalPages int             `json:"total_pages"`
	Results    []unsplashPhoto `json:"results"`
}

// unsplashErrorBody はUnsplash APIのエラーレスポンス。
type unsplashErrorBody struct {
	Errors []string `json:"errors"`
}

// SearchPhotos は検索語で写真を検索し、1ページ分の結果を返す。
// 代替テキストが無い写真は検索語を代替テキストとして使用する。
func (c *Client) SearchPhotos(ctx context.Context, term string, page int) (*model.ImagePage, error) {
	reqURL, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}

	q := reqURL.Query()
	q.Set("query", term)
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("page", strconv.Itoa(page))
	q.Set("client_id", c.accessKey)
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept-Version", "v1")
	req.Header.Set("User-Agent", "pixsearch/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("画像検索APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("page", page),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.logger.Error("レスポンスボディの読み取りに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upstream := &UpstreamError{StatusCode: resp.StatusCode}
		var errBody unsplashErrorBody
		if json.Unmarshal(body, &errBody) == nil && len(errBody.Errors) > 0 {
			upstream.Message = errBody.Errors[0]
		}
		c.logger.Error("画像検索APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("upstream_message", upstream.Message),
		)
		return nil, upstream
	}

	var result unsplashResponse
	if err := json.Unmarshal(body, &result); err != nil {
		c.logger.Error("画像検索APIのレスポンスのパースに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	images := make([]model.Image, 0, len(result.Results))
	for _, p := range result.Results {
		alt := p.AltDescription
		if alt == "" {
			alt = term
		}
		images = append(images, model.Image{
			ID:        p.ID,
			URL:       p.URLs.Regular,
			Thumb:     p.URLs.Small,
			Alt:       alt,
			Author:    p.User.Name,
			AuthorURL: p.User.Links.HTML,
		})
	}

	return &model.ImagePage{
		Term:        term,
		Total:       result.Total,
		TotalPages:  result.TotalPages,
		CurrentPage: page,
		Images:      images,
	}, nil
}

// StatusCodeOf はエラーが上流のステータスを伴う場合にそのコードを返す。
func StatusCodeOf(err error) (int, bool) {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.StatusCode, true
	}
	return 0, false
}

// compile-time interface check
var _ ImageSearcher = (*Client)(nil)
