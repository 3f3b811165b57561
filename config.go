package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// validArchiveDurations are the archive durations (minutes) the platform
// accepts for threads.
var validArchiveDurations = []int{60, 1440, 4320, 10080}

// Config holds every setting the bot reads. All values come from the
// environment once at startup; nothing is mutated afterwards.
type Config struct {
	BotToken string // xoxb-... Slack bot token
	AppToken string // xapp-... Slack app-level token (Socket Mode)

	TriggerKeywords []string // keywords that open a recruitment thread
	CloseKeywords   []string // keywords that close one

	EnabledChannelIDs map[string]bool // channels the bot watches; empty = all
	AdminUserIDs      map[string]bool // users allowed to use the status command
	IgnoredBotIDs     map[string]bool // bot IDs whose messages are never triggers

	MonitoringMinutes  int // how long a thread is monitored; 0 disables monitoring
	AutoArchiveMinutes int // platform archive hint, clamped to validArchiveDurations

	ThreadNameTemplate string // {username} placeholder
	ClosedNameTemplate string // {original_name} placeholder

	SheetsEnabled     bool
	CredentialsFile   string
	SpreadsheetID     string
	SheetName         string
	LogQueueSize      int
	DailyLimitEnabled bool
	DailyResetHour    int // hour of day at which the log day rolls over
	TimezoneOffset    int // UTC offset (hours) the log day is computed in

	HealthPort int
}

// LoadConfig reads the configuration from the environment, applying
// defaults and validating required values.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		BotToken:           os.Getenv("SLACK_BOT_TOKEN"),
		AppToken:           os.Getenv("SLACK_APP_TOKEN"),
		TriggerKeywords:    envList("TRIGGER_KEYWORDS", []string{"recruit"}),
		CloseKeywords:      envList("CLOSE_KEYWORDS", []string{"closed"}),
		EnabledChannelIDs:  envIDSet("ENABLED_CHANNEL_IDS"),
		AdminUserIDs:       envIDSet("ADMIN_USER_IDS"),
		IgnoredBotIDs:      envIDSet("IGNORED_BOT_IDS"),
		MonitoringMinutes:  envInt("MONITORING_DURATION", 43200),
		AutoArchiveMinutes: envInt("THREAD_AUTO_ARCHIVE_DURATION", 10080),
		ThreadNameTemplate: envString("THREAD_NAME_TEMPLATE", "[open] {username}'s party"),
		ClosedNameTemplate: envString("CLOSED_NAME_TEMPLATE", "[closed] {original_name}"),
		SheetsEnabled:      envBool("SHEETS_LOGGING_ENABLED", false),
		CredentialsFile:    os.Getenv("SHEETS_CREDENTIALS_FILE"),
		SpreadsheetID:      os.Getenv("SPREADSHEET_ID"),
		SheetName:          envString("SPREADSHEET_SHEET_NAME", "thread_log"),
		LogQueueSize:       envInt("LOG_QUEUE_SIZE", 100),
		DailyLimitEnabled:  envBool("DAILY_LIMIT_ENABLED", true),
		DailyResetHour:     envInt("DAILY_RESET_HOUR", 6),
		TimezoneOffset:     envInt("TIMEZONE_OFFSET", 9),
		HealthPort:         envInt("PORT", 8080),
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("SLACK_BOT_TOKEN must be set")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("SLACK_APP_TOKEN must be set")
	}
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, fmt.Errorf("SLACK_APP_TOKEN must start with xapp-")
	}
	if cfg.LogQueueSize <= 0 {
		log.Warn().Int("size", cfg.LogQueueSize).Msg("Invalid log queue size, using default of 100")
		cfg.LogQueueSize = 100
	}
	if cfg.DailyResetHour < 0 || cfg.DailyResetHour > 23 {
		log.Warn().Int("hour", cfg.DailyResetHour).Msg("Invalid daily reset hour, using 6")
		cfg.DailyResetHour = 6
	}

	clamped := clampArchiveDuration(cfg.AutoArchiveMinutes)
	if clamped != cfg.AutoArchiveMinutes {
		log.Info().
			Int("requested", cfg.AutoArchiveMinutes).
			Int("clamped", clamped).
			Msg("Adjusted auto-archive duration to a platform-permitted value")
		cfg.AutoArchiveMinutes = clamped
	}

	return cfg, nil
}

// clampArchiveDuration snaps an arbitrary duration (minutes) to the nearest
// value the platform permits.
func clampArchiveDuration(minutes int) int {
	best := validArchiveDurations[0]
	for _, v := range validArchiveDurations {
		if abs(minutes-v) < abs(minutes-best) {
			best = v
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// LogSettings writes the loaded configuration to the log, masking tokens.
func (c *Config) LogSettings() {
	log.Info().
		Str("botToken", maskToken(c.BotToken)).
		Str("appToken", maskToken(c.AppToken)).
		Strs("triggerKeywords", c.TriggerKeywords).
		Strs("closeKeywords", c.CloseKeywords).
		Int("enabledChannels", len(c.EnabledChannelIDs)).
		Int("adminUsers", len(c.AdminUserIDs)).
		Int("ignoredBots", len(c.IgnoredBotIDs)).
		Int("monitoringMinutes", c.MonitoringMinutes).
		Int("autoArchiveMinutes", c.AutoArchiveMinutes).
		Str("threadNameTemplate", c.ThreadNameTemplate).
		Str("closedNameTemplate", c.ClosedNameTemplate).
		Bool("sheetsEnabled", c.SheetsEnabled).
		Bool("dailyLimitEnabled", c.DailyLimitEnabled).
		Int("dailyResetHour", c.DailyResetHour).
		Int("timezoneOffset", c.TimezoneOffset).
		Int("logQueueSize", c.LogQueueSize).
		Int("healthPort", c.HealthPort).
		Msg("Configuration loaded")
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "..."
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("name", name).Str("value", v).Msg("Invalid integer setting, using default")
		return def
	}
	return n
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

// envList parses a comma-separated list, dropping empty entries.
func envList(name string, def []string) []string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// envIDSet parses a comma-separated list of IDs into a set. Missing or
// empty values yield an empty set.
func envIDSet(name string) map[string]bool {
	set := make(map[string]bool)
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			set[trimmed] = true
		}
	}
	return set
}
