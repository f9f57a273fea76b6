package client

import "time"

// ResultView is one probe result as served by GET {base}/results/{name}.
type ResultView struct {
	Name      string    `json:"name"`
	Delay     float64   `json:"delay"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
