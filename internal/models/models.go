// Package models holds the data records shared by the storage backends and
// the API layer.
package models

import "time"

// Item is a user-managed catalog record.
type Item struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Price       float64   `json:"price"`
	Quantity    int       `json:"quantity"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ConversionRecord is one finished conversion attempt, kept for the history
// listing. Staged payloads are never persisted, only metadata about the run.
type ConversionRecord struct {
	ID          string    `json:"id"`
	Operation   string    `json:"operation"`
	Status      string    `json:"status"`
	InputName   string    `json:"inputName,omitempty"`
	InputBytes  int64     `json:"inputBytes"`
	OutputBytes int64     `json:"outputBytes"`
	DurationMS  int64     `json:"durationMs"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
