package github

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrNotFound = errors.New("github: not found")

type Account struct {
	Login string `json:"login"`
	Type  string `json:"type,omitempty"`
}

type Installation struct {
	ID      int64   `json:"id"`
	Account Account `json:"account"`
}

type Repository struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
}

type installationToken struct {
	Token     string
	ExpiresAt time.Time
}

// APIError is a non-2xx answer from the GitHub API.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: %s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}
