package athletes

import (
	"strings"
	"time"
)

// ProviderStrava names the only supported identity/activity provider.
const ProviderStrava = "strava"

// User is a signed-in athlete together with the OAuth credential triple issued by Strava.
type User struct {
	ID           uint       `gorm:"column:id;primaryKey;autoIncrement"`
	StravaID     string     `gorm:"column:strava_id;size:64;not null;uniqueIndex"`
	DisplayName  string     `gorm:"column:display_name;size:320"`
	FirstName    string     `gorm:"column:first_name;size:320"`
	Username     string     `gorm:"column:username;size:320"`
	AvatarURL    string     `gorm:"column:avatar_url;size:512"`
	AccessToken  string     `gorm:"column:access_token;size:512"`
	RefreshToken string     `gorm:"column:refresh_token;size:512"`
	ExpiresAt    *int64     `gorm:"column:expires_at"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing athletes.
func (User) TableName() string {
	return "athletes"
}

// HasCredentials reports whether both halves of the token pair are present.
func (u User) HasCredentials() bool {
	return strings.TrimSpace(u.AccessToken) != "" && strings.TrimSpace(u.RefreshToken) != ""
}

// Name is the public display name: first name, else username, else "Unknown".
func (u User) Name() string {
	return displayNameFor(u.FirstName, u.Username)
}

// TokenValidAt reports whether the stored access token is still valid at now.
// An unknown expiry is treated as expired.
func (u User) TokenValidAt(now time.Time) bool {
	return u.ExpiresAt != nil && *u.ExpiresAt > now.Unix()
}

// Identity links an athlete to the provider account that signed in.
type Identity struct {
	Provider          string    `gorm:"column:provider;primaryKey;size:32;not null"`
	ProviderAccountID string    `gorm:"column:provider_account_id;primaryKey;size:190;not null"`
	UserID            uint      `gorm:"column:user_id;not null;index"`
	LastSeenAt        time.Time `gorm:"column:last_seen_at"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing provider identities.
func (Identity) TableName() string {
	return "athlete_identities"
}

// SignIn is the payload the identity integration hands over after a completed OAuth handshake.
type SignIn struct {
	ProviderAccountID string
	Username          string
	FirstName         string
	AvatarURL         string
	AccessToken       string
	RefreshToken      string
	ExpiresAt         int64
}

// Credentials is the token triple persisted by the token manager.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func displayNameFor(firstName, username string) string {
	if name := normalize(firstName); name != "" {
		return name
	}
	if name := normalize(username); name != "" {
		return name
	}
	return "Unknown"
}
