package strava

import (
	"fmt"
	"time"
)

// RawActivity is one summary activity as returned by GET /athlete/activities.
// Every field is optional; validation happens at ingestion.
type RawActivity struct {
	ID                 *int64   `json:"id"`
	Type               *string  `json:"type"`
	SportType          *string  `json:"sport_type"`
	Distance           *float64 `json:"distance"`
	MovingTime         *int64   `json:"moving_time"`
	TotalElevationGain *float64 `json:"total_elevation_gain"`
	SufferScore        *float64 `json:"suffer_score"`
	KudosCount         *int64   `json:"kudos_count"`
	StartDate          *string  `json:"start_date"`
}

// StartTime parses start_date, returning nil when it is absent or not RFC 3339.
func (a RawActivity) StartTime() *time.Time {
	if a.StartDate == nil || *a.StartDate == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, *a.StartDate)
	if err != nil {
		return nil
	}
	utc := parsed.UTC()
	return &utc
}

// TokenResponse is the body returned by POST /oauth/token.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

type refreshRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	GrantType    string `json:"grant_type"`
}

// FetchError reports a failed activities request. StatusCode is 0 when no response was received.
type FetchError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("strava: fetch activities failed: %v", e.Err)
	}
	return fmt.Sprintf("strava: fetch activities failed with status %d", e.StatusCode)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// TokenError reports a failed token exchange. StatusCode is 0 when no response was received.
type TokenError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TokenError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("strava: token exchange failed with status %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("strava: token exchange failed: %v", e.Err)
	default:
		return "strava: token exchange failed"
	}
}

func (e *TokenError) Unwrap() error {
	return e.Err
}
