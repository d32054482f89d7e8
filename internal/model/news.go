package model

import "time"

// NewsStatus represents where a news item sits in the ingestion pipeline.
type NewsStatus string

const (
	NewsStatusIngested  NewsStatus = "ingested"
	NewsStatusExtracted NewsStatus = "extracted"
	NewsStatusProcessed NewsStatus = "processed"
	NewsStatusSkipped   NewsStatus = "skipped"
)

// NewsItem is a raw article ingested by the crawler. ContentHash is the
// dedup key: a second ingestion with the same hash is rejected before insert.
type NewsItem struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	ContentHash string     `json:"content_hash"`
	Status      NewsStatus `json:"status"`
	PublishedAt time.Time  `json:"published_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
