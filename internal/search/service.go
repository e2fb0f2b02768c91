package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/pixsearch/internal/metrics"
	"github.com/hitoshi/pixsearch/internal/model"
	"github.com/hitoshi/pixsearch/internal/repository"
	"github.com/hitoshi/pixsearch/internal/security"
)

const (
	// TopSearchesLimit は人気検索語の返却件数。
	TopSearchesLimit = 5
	// HistoryLimit は検索履歴の返却件数。
	HistoryLimit = 50
)

// Metrics は画像検索で記録するメトリクスのインターフェース。
type Metrics interface {
	RecordSearch(outcome string)
	RecordUpstreamStatus(statusCode int)
	RecordSearchLatency(duration time.Duration)
}

// Service は画像検索のサービス層。
// 検索語の検証、検索履歴の記録、上流APIの呼び出しを行う。
type Service struct {
	searcher  ImageSearcher
	searches  repository.SearchRepository
	sanitizer security.TextSanitizer
	metrics   Metrics
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。metricsはnilでもよい。
func NewService(
	searcher ImageSearcher,
	searches repository.SearchRepository,
	sanitizer security.TextSanitizer,
	metrics Metrics,
) *Service {
	return &Service{
		searcher:  searcher,
		searches:  searches,
		sanitizer: sanitizer,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Search は検索語で画像を検索する。
// 1ページ目の検索のみ履歴に記録する。検索語が空の場合とページ番号が1未満の場合は
// 検証エラー(*model.APIError)を返す。
func (s *Service) Search(ctx context.Context, userID, term string, page int) (*model.ImagePage, error) {
	cleaned := s.sanitizer.Sanitize(term)
	if cleaned == "" {
		return nil, model.NewInvalidSearchTermError()
	}
	if page < 1 {
		return nil, model.NewInvalidPageError()
	}

	if page == 1 {
		record := &model.Search{
			ID:        uuid.New().String(),
			UserID:    userID,
			Term:      cleaned,
			CreatedAt: s.now(),
		}
		if err := s.searches.Create(ctx, record); err != nil {
			s.recordOutcome(metrics.OutcomeFailure)
			return nil, fmt.Errorf("検索履歴の記録に失敗しました: %w", err)
		}
	}

	start := time.Now()
	result, err := s.searcher.SearchPhotos(ctx, cleaned, page)
	if s.metrics != nil {
		s.metrics.RecordSearchLatency(time.Since(start))
	}
	if err != nil {
		if status, ok := StatusCodeOf(err); ok && s.metrics != nil {
			s.metrics.RecordUpstreamStatus(status)
		}
		s.recordOutcome(metrics.OutcomeFailure)
		slog.Warn("画像検索に失敗しました",
			slog.String("user_id", userID),
			slog.Int("page", page),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordUpstreamStatus(200)
	}
	s.recordOutcome(metrics.OutcomeSuccess)
	return result, nil
}

// TopSearches は全ユーザーの検索語を件数の多い順に返す。
func (s *Service) TopSearches(ctx context.Context) ([]model.TermCount, error) {
	terms, err := s.searches.TopTerms(ctx, TopSearchesLimit)
	if err != nil {
		return nil, fmt.Errorf("人気検索語の取得に失敗しました: %w", err)
	}
	return terms, nil
}

// History はユーザーの検索履歴を新しい順に返す。
func (s *Service) History(ctx context.Context, userID string) ([]*model.Search, error) {
	history, err := s.searches.ListByUserID(ctx, userID, HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("検索履歴の取得に失敗しました: %w", err)
	}
	return history, nil
}

func (s *Service) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordSearch(outcome)
	}
}
