package models

import "time"

// TrackedAccount is a social account the scraper follows. LastTweetID is the
// high-water mark of already-processed posts.
type TrackedAccount struct {
	ID              string   `json:"id"`
	DisplayName     string   `json:"displayName"`
	ProfileImageURL string   `json:"profileImageUrl,omitempty"`
	LastTweetID     string   `json:"lastTweetId,omitempty"`
	UserIDs         []string `json:"userIds"`
}

// Post is a single scraped social post.
type Post struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url,omitempty"`
}

// FormattedPost is the downstream projection of a Post.
type FormattedPost struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Author string `json:"author"`
	Time   string `json:"time"`
	URL    string `json:"url"`
}
