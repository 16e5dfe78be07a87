package models

import "time"

// PushSubscription is a browser Web Push endpoint registered by a user.
// (UserID, Endpoint) is the dedup key.
type PushSubscription struct {
	UserID    string    `json:"userId"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	UserAgent string    `json:"userAgent,omitempty"`
	OS        string    `json:"os,omitempty"`
	Browser   string    `json:"browser,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PushPayload is the JSON body delivered to a push endpoint.
type PushPayload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}
