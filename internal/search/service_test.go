package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/pixsearch/internal/model"
	"github.com/hitoshi/pixsearch/internal/security"
)

// --- モック定義 ---

type mockSearcher struct {
	searchPhotosFn func(ctx context.Context, term string, page int) (*model.ImagePage, error)
}

func (m *mockSearcher) SearchPhotos(ctx context.Context, term string, page int) (*model.ImagePage, error) {
	if m.searchPhotosFn != nil {
		return m.searchPhotosFn(ctx, term, page)
	}
	return &model.ImagePage{Term: term, CurrentPage: page, Images: []model.Image{}}, nil
}

type mockSearchRepo struct {
	createFn       func(ctx context.Context, search *model.Search) error
	listByUserIDFn func(ctx context.Context, userID string, limit int) ([]*model.Search, error)
	topTermsFn     func(ctx context.Context, limit int) ([]model.TermCount, error)
	created        []*model.Search
}

func (m *mockSearchRepo) Create(ctx context.Context, search *model.Search) error {
	if m.createFn != nil {
		return m.createFn(ctx, search)
	}
	m.created = append(m.created, search)
	return nil
}

func (m *mockSearchRepo) ListByUserID(ctx context.Context, userID string, limit int) ([]*model.Search, error) {
	if m.listByUserIDFn != nil {
		return m.listByUserIDFn(ctx, userID, limit)
	}
	return nil, nil
}

func (m *mockSearchRepo) TopTerms(ctx context.Context, limit int) ([]model.TermCount, error) {
	if m.topTermsFn != nil {
		return m.topTermsFn(ctx, limit)
	}
	return nil, nil
}

type recordingMetrics struct {
	outcomes []string
	statuses []int
	latency  int
}

func (m *recordingMetrics) RecordSearch(outcome string) { m.outcomes = append(m.outcomes, outcome) }
func (m *recordingMetrics) RecordUpstreamStatus(statusCode int) { m.statuses = append(m.statuses, statusCode) }
func (m *recordingMetrics) RecordSearchLatency(time.Duration) { m.latency++ }

func newTestService(searcher ImageSearcher, repo *mockSearchRepo, m Metrics) *Service {
	svc := NewService(searcher, repo, security.NewTextSanitizer(), m)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return svc
}

// --- テスト ---

func TestService_Search_FirstPageRecordsSanitizedTerm(t *testing.T) {
	repo := &mockSearchRepo{}
	var gotTerm string
	searcher := &mockSearcher{searchPhotosFn: func(ctx context.Context, term string, page int) (*model.ImagePage, error) {
		gotTerm = term
		return &model.ImagePage{Term: term, CurrentPage: page}, nil
	}}
	m := &recordingMetrics{}
	svc := newTestService(searcher, repo, m)

	page, err := svc.Search(context.Background(), "user-1", "  <b>mountain</b>  lake ", 1)
	if err != nil {
		t.Fatalf("Search がエラーを返した: %v", err)
	}
	if gotTerm != "mountain lake" || page.Term != "mountain lake" {
		t.Errorf("term = %q, want %q", gotTerm, "mountain lake")
	}
	if len(repo.created) != 1 {
		t.Fatalf("記録件数 = %d, want 1", len(repo.created))
	}
	rec := repo.created[0]
	if rec.UserID != "user-1" || rec.Term != "mountain lake" || rec.ID == "" {
		t.Errorf("record = %+v", rec)
	}
	if !rec.CreatedAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedAt = %v", rec.CreatedAt)
	}
	if len(m.outcomes) != 1 || m.outcomes[0] != "success" {
		t.Errorf("outcomes = %v", m.outcomes)
	}
	if len(m.statuses) != 1 || m.statuses[0] != 200 || m.latency != 1 {
		t.Errorf("statuses = %v, latency = %d", m.statuses, m.latency)
	}
}

func TestService_Search_LaterPagesAreNotRecorded(t *testing.T) {
	repo := &mockSearchRepo{}
	svc := newTestService(&mockSearcher{}, repo, nil)

	if _, err := svc.Search(context.Background(), "user-1", "fox", 3); err != nil {
		t.Fatalf("Search がエラーを返した: %v", err)
	}
	if len(repo.created) != 0 {
		t.Errorf("2ページ目以降は記録しない: got %d", len(repo.created))
	}
}

func TestService_Search_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		term     string
		page     int
		wantCode string
	}{
		{"empty term", "", 1, model.ErrCodeInvalidSearchTerm},
		{"whitespace term", "   ", 1, model.ErrCodeInvalidSearchTerm},
		{"markup only term", "<script></script>", 1, model.ErrCodeInvalidSearchTerm},
		{"zero page", "fox", 0, model.ErrCodeInvalidPage},
		{"negative page", "fox", -2, model.ErrCodeInvalidPage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockSearchRepo{}
			called := false
			searcher := &mockSearcher{searchPhotosFn: func(ctx context.Context, term string, page int) (*model.ImagePage, error) {
				called = true
				return nil, nil
			}}
			svc := newTestService(searcher, repo, nil)

			_, err := svc.Search(context.Background(), "user-1", tt.term, tt.page)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("APIError を期待したが %v", err)
			}
			if apiErr.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", apiErr.Code, tt.wantCode)
			}
			if called || len(repo.created) != 0 {
				t.Error("検証エラー時は検索も記録も行わない")
			}
		})
	}
}

func TestService_Search_UpstreamErrorIsReturned(t *testing.T) {
	searcher := &mockSearcher{searchPhotosFn: func(ctx context.Context, term string, page int) (*model.ImagePage, error) {
		return nil, &UpstreamError{StatusCode: 403, Message: "Rate Limit Exceeded"}
	}}
	m := &recordingMetrics{}
	svc := newTestService(searcher, &mockSearchRepo{}, m)

	_, err := svc.Search(context.Background(), "user-1", "fox", 1)
	if status, ok := StatusCodeOf(err); !ok || status != 403 {
		t.Fatalf("StatusCodeOf = %d, %v (err=%v)", status, ok, err)
	}
	if len(m.statuses) != 1 || m.statuses[0] != 403 {
		t.Errorf("statuses = %v", m.statuses)
	}
	if len(m.outcomes) != 1 || m.outcomes[0] != "failure" {
		t.Errorf("outcomes = %v", m.outcomes)
	}
}

func TestService_Search_RecordFailureStopsSearch(t *testing.T) {
	storeErr := errors.New("db down")
	repo := &mockSearchRepo{createFn: func(ctx context.Context, search *model.Search) error { return storeErr }}
	called := false
	searcher := &mockSearcher{searchPhotosFn: func(ctx context.Context, term string, page int) (*model.ImagePage, error) {
		called = true
		return nil, nil
	}}
	svc := newTestService(searcher, repo, nil)

	_, err := svc.Search(context.Background(), "user-1", "fox", 1)
	if !errors.Is(err, storeErr) {
		t.Fatalf("err = %v, want wrapped %v", err, storeErr)
	}
	if called {
		t.Error("記録に失敗した場合は上流を呼び出さない")
	}
}

func TestService_TopSearches_UsesLimit(t *testing.T) {
	var gotLimit int
	repo := &mockSearchRepo{topTermsFn: func(ctx context.Context, limit int) ([]model.TermCount, error) {
		gotLimit = limit
		return []model.TermCount{{Term: "cat", Count: 9}, {Term: "dog", Count: 4}}, nil
	}}
	svc := newTestService(&mockSearcher{}, repo, nil)

	terms, err := svc.TopSearches(context.Background())
	if err != nil {
		t.Fatalf("TopSearches がエラーを返した: %v", err)
	}
	if gotLimit != 5 {
		t.Errorf("limit = %d, want 5", gotLimit)
	}
	if len(terms) != 2 || terms[0].Term != "cat" {
		t.Errorf("terms = %+v", terms)
	}
}

func TestService_History_ScopedToUser(t *testing.T) {
	var gotUser string
	var gotLimit int
	repo := &mockSearchRepo{listByUserIDFn: func(ctx context.Context, userID string, limit int) ([]*model.Search, error) {
		gotUser, gotLimit = userID, limit
		return []*model.Search{{Term: "newest"}, {Term: "older"}}, nil
	}}
	svc := newTestService(&mockSearcher{}, repo, nil)

	history, err := svc.History(context.Background(), "user-7")
	if err != nil {
		t.Fatalf("History がエラーを返した: %v", err)
	}
	if gotUser != "user-7" || gotLimit != 50 {
		t.Errorf("user = %q, limit = %d", gotUser, gotLimit)
	}
	if len(history) != 2 || history[0].Term != "newest" {
		t.Errorf("history = %+v", history)
	}
}

func TestService_History_StoreError(t *testing.T) {
	repo := &mockSearchRepo{listByUserIDFn: func(ctx context.Context, userID string, limit int) ([]*model.Search, error) {
		return nil, errors.New("boom")
	}}
	svc := newTestService(&mockSearcher{}, repo, nil)

	if _, err := svc.History(context.Background(), "user-7"); err == nil {
		t.Fatal("エラーを返すべき")
	}
}
