package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stridetally/internal/units"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "STRIDETALLY"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "stridetally.db"
	defaultLogLevel          = "info"
	defaultStravaAPIURL      = "https://www.strava.com/api/v3"
	defaultStravaTokenURL    = "https://www.strava.com/api/v3/oauth/token"
	defaultRequestsPerMinute = 30
	defaultAuthIssuer        = "stridetally-identity"
	defaultCampaignStart     = "2024-10-15"
	defaultCampaignLocation  = "UTC"
	defaultAllowedTypes      = "Hike,Walk,Run,Trail Run"
	defaultGoalMiles         = 1000.0
	defaultPageSize          = 200
	defaultMaxPages          = 1
	defaultConcurrency       = 4
	defaultUserTimeout       = 2 * time.Minute
	defaultDailyAt           = "00:00"
	defaultQueueCapacity     = 256
	defaultQueueDelay        = 100 * time.Millisecond
	defaultQueueMaxAttempts  = 1
	defaultQueueRetryDelay   = time.Minute
	campaignDateLayout       = "2006-01-02"
	dailyAtLayout            = "15:04"
)

// AppConfig captures runtime configuration for the API server and sync commands.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	Strava       StravaConfig
	Auth         AuthConfig
	Campaign     Campaign
	Sync         SyncConfig
	Queue        QueueConfig
}

// StravaConfig describes the upstream activity provider.
type StravaConfig struct {
	ClientID          string
	ClientSecret      string
	APIURL            string
	TokenURL          string
	RequestsPerMinute int
}

// AuthConfig describes how identity integration requests are authenticated.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
}

// SyncConfig tunes the per-user sync pipeline.
type SyncConfig struct {
	PageSize    int
	MaxPages    int
	Concurrency int
	UserTimeout time.Duration
	// DailyAt is the UTC offset from midnight at which the daily sync fires.
	DailyAt time.Duration
}

// QueueConfig tunes the post sign-in sync queue.
type QueueConfig struct {
	Capacity     int
	InitialDelay time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("strava.api_url", defaultStravaAPIURL)
	configViper.SetDefault("strava.token_url", defaultStravaTokenURL)
	configViper.SetDefault("strava.requests_per_minute", defaultRequestsPerMinute)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("campaign.start", defaultCampaignStart)
	configViper.SetDefault("campaign.location", defaultCampaignLocation)
	configViper.SetDefault("campaign.allowed_types", defaultAllowedTypes)
	configViper.SetDefault("campaign.goal_miles", defaultGoalMiles)
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.max_pages", defaultMaxPages)
	configViper.SetDefault("sync.concurrency", defaultConcurrency)
	configViper.SetDefault("sync.user_timeout", defaultUserTimeout)
	configViper.SetDefault("sync.daily_at", defaultDailyAt)
	configViper.SetDefault("queue.capacity", defaultQueueCapacity)
	configViper.SetDefault("queue.initial_delay", defaultQueueDelay)
	configViper.SetDefault("queue.max_attempts", defaultQueueMaxAttempts)
	configViper.SetDefault("queue.retry_delay", defaultQueueRetryDelay)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	campaign, err := loadCampaign(configViper)
	if err != nil {
		return AppConfig{}, err
	}

	dailyAt, err := parseDailyAt(configViper.GetString("sync.daily_at"))
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		Strava: StravaConfig{
			ClientID:          strings.TrimSpace(configViper.GetString("strava.client_id")),
			ClientSecret:      strings.TrimSpace(configViper.GetString("strava.client_secret")),
			APIURL:            strings.TrimRight(configViper.GetString("strava.api_url"), "/"),
			TokenURL:          configViper.GetString("strava.token_url"),
			RequestsPerMinute: configViper.GetInt("strava.requests_per_minute"),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
		},
		Campaign: campaign,
		Sync: SyncConfig{
			PageSize:    configViper.GetInt("sync.page_size"),
			MaxPages:    configViper.GetInt("sync.max_pages"),
			Concurrency: configViper.GetInt("sync.concurrency"),
			UserTimeout: configViper.GetDuration("sync.user_timeout"),
			DailyAt:     dailyAt,
		},
		Queue: QueueConfig{
			Capacity:     configViper.GetInt("queue.capacity"),
			InitialDelay: configViper.GetDuration("queue.initial_delay"),
			MaxAttempts:  configViper.GetInt("queue.max_attempts"),
			RetryDelay:   configViper.GetDuration("queue.retry_delay"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Strava.ClientID == "" {
		return fmt.Errorf("strava.client_id is required")
	}
	if c.Strava.ClientSecret == "" {
		return fmt.Errorf("strava.client_secret is required")
	}
	if strings.TrimSpace(c.Strava.APIURL) == "" || strings.TrimSpace(c.Strava.TokenURL) == "" {
		return fmt.Errorf("strava.api_url and strava.token_url are required")
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.Sync.MaxPages <= 0 {
		return fmt.Errorf("sync.max_pages must be positive")
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be positive")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if len(c.Campaign.AllowedTypes) == 0 {
		return fmt.Errorf("campaign.allowed_types must not be empty")
	}
	return nil
}

func loadCampaign(configViper *viper.Viper) (Campaign, error) {
	locationName := strings.TrimSpace(configViper.GetString("campaign.location"))
	if locationName == "" {
		locationName = defaultCampaignLocation
	}
	location, err := time.LoadLocation(locationName)
	if err != nil {
		return Campaign{}, fmt.Errorf("campaign.location: %w", err)
	}

	start, err := time.ParseInLocation(campaignDateLayout, strings.TrimSpace(configViper.GetString("campaign.start")), location)
	if err != nil {
		return Campaign{}, fmt.Errorf("campaign.start must use YYYY-MM-DD: %w", err)
	}

	return NewCampaign(CampaignConfig{
		Start:        start,
		Location:     location,
		AllowedTypes: stringList(configViper.Get("campaign.allowed_types")),
		GoalMiles:    configViper.GetFloat64("campaign.goal_miles"),
		Units:        units.Default(),
	}), nil
}

func parseDailyAt(value string) (time.Duration, error) {
	parsed, err := time.Parse(dailyAtLayout, strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("sync.daily_at must use HH:MM: %w", err)
	}
	return time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute, nil
}

// stringList accepts comma separated strings from env/flags and lists from config files.
func stringList(raw interface{}) []string {
	var values []string
	switch typed := raw.(type) {
	case string:
		values = strings.Split(typed, ",")
	case []string:
		values = typed
	case []interface{}:
		for _, item := range typed {
			if s, ok := item.(string); ok {
				values = append(values, s)
			}
		}
	}
	result := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
