// Package client is a typed HTTP client for the recipecheck API.
package client

import (
	"net/http"
	"os"
	"time"
)

// DefaultBaseURL is used when neither an explicit URL nor RECIPECHECK_API_URL is set.
const DefaultBaseURL = "http://localhost:8080"

// Client represents the client for the recipecheck API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new API client. Analyses can take a while, so the HTTP
// timeout is generous.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = getEnvOrDefault("RECIPECHECK_API_URL", DefaultBaseURL)
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
