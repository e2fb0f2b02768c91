package model

import "time"

// Search はユーザーが実行した画像検索の履歴を表す。
type Search struct {
	ID        string
	UserID    string
	Term      string
	CreatedAt time.Time
}

// TermCount は検索語ごとの集計結果を表す。
type TermCount struct {
	Term  string
	Count int
}

// Image は画像検索APIの結果1件を表す。
type Image struct {
	ID        string
	URL       string
	Thumb     string
	Alt       string
	Author    string
	AuthorURL string
}

// ImagePage は画像検索結果の1ページ分を表す。
type ImagePage struct {
	Term        string
	Total       int
	TotalPages  int
	CurrentPage int
	Images      []Image
}
