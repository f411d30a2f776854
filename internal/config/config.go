package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		Debug    bool   `yaml:"debug"`
		// SendRatePerSecond caps outbound Bot API calls.
		SendRatePerSecond float64 `yaml:"send_rate_per_second"`
	} `yaml:"telegram"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Backup struct {
		Enabled       bool   `yaml:"enabled"`
		IntervalHours int    `yaml:"interval_hours"`
		Path          string `yaml:"path"`
		Keep          int    `yaml:"keep"`
	} `yaml:"backup"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	HTTP struct {
		Port int `yaml:"port"`
		// InitDataMaxAgeHours bounds how old a WebApp auth_date may be.
		InitDataMaxAgeHours int `yaml:"init_data_max_age_hours"`
	} `yaml:"http"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Booking struct {
		Timezone                string `yaml:"timezone"`
		OpenTime                string `yaml:"open_time"`
		CloseTime               string `yaml:"close_time"`
		StepMinutes             int    `yaml:"step_minutes"`
		HorizonDays             int    `yaml:"horizon_days"`
		ExternalDurationMinutes int    `yaml:"external_duration_minutes"`
	} `yaml:"booking"`

	Catalog struct {
		CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
	} `yaml:"catalog"`

	Reminders struct {
		CheckIntervalMinutes int `yaml:"check_interval_minutes"`
	} `yaml:"reminders"`

	Promo struct {
		CooldownDays         int `yaml:"cooldown_days"`
		SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
	} `yaml:"promo"`

	Audit struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"audit"`

	Sheets struct {
		Enabled             bool   `yaml:"enabled"`
		CredentialsFile     string `yaml:"credentials_file"`
		SpreadsheetID       string `yaml:"spreadsheet_id"`
		SheetName           string `yaml:"sheet_name"`
		SyncIntervalMinutes int    `yaml:"sync_interval_minutes"`
	} `yaml:"sheets"`

	Admins []int64 `yaml:"admins"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/zapis.db"
	}

	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the booking calendar settings.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("booking.timezone: %w", err)
	}

	open, err := parseClock(c.openTime())
	if err != nil {
		return fmt.Errorf("booking.open_time: %w", err)
	}
	closeAt, err := parseClock(c.closeTime())
	if err != nil {
		return fmt.Errorf("booking.close_time: %w", err)
	}
	if closeAt <= open {
		return fmt.Errorf("booking.close_time must be after open_time")
	}

	step := c.BookingStep()
	if step <= 0 || 24*time.Hour%step != 0 {
		return fmt.Errorf("booking.step_minutes: %d does not divide a day", c.Booking.StepMinutes)
	}
	if open%step != 0 {
		return fmt.Errorf("booking.open_time: '%s' is not aligned to the %d minute step", c.openTime(), int(step.Minutes()))
	}

	for _, id := range c.Admins {
		if id <= 0 {
			return fmt.Errorf("admins: invalid telegram id %d", id)
		}
	}

	return nil
}

func (c *Config) Location() (*time.Location, error) {
	name := c.Booking.Timezone
	if name == "" {
		name = "Europe/Moscow"
	}
	return time.LoadLocation(name)
}

// OpenOffset returns the opening time as an offset from midnight.
func (c *Config) OpenOffset() time.Duration {
	d, _ := parseClock(c.openTime())
	return d
}

// CloseOffset returns the closing time as an offset from midnight.
func (c *Config) CloseOffset() time.Duration {
	d, _ := parseClock(c.closeTime())
	return d
}

func (c *Config) BookingStep() time.Duration {
	if c.Booking.StepMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Booking.StepMinutes) * time.Minute
}

func (c *Config) HorizonDays() int {
	if c.Booking.HorizonDays <= 0 {
		return 30
	}
	return c.Booking.HorizonDays
}

func (c *Config) ExternalDuration() time.Duration {
	if c.Booking.ExternalDurationMinutes <= 0 {
		return 60 * time.Minute
	}
	return time.Duration(c.Booking.ExternalDurationMinutes) * time.Minute
}

func (c *Config) CatalogTTL() time.Duration {
	if c.Catalog.CacheTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Catalog.CacheTTLSeconds) * time.Second
}

func (c *Config) ReminderInterval() time.Duration {
	if c.Reminders.CheckIntervalMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Reminders.CheckIntervalMinutes) * time.Minute
}

func (c *Config) PromoCooldown() time.Duration {
	if c.Promo.CooldownDays <= 0 {
		return 31 * 24 * time.Hour
	}
	return time.Duration(c.Promo.CooldownDays) * 24 * time.Hour
}

func (c *Config) PromoSweepInterval() time.Duration {
	if c.Promo.SweepIntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Promo.SweepIntervalMinutes) * time.Minute
}

func (c *Config) SheetsSyncInterval() time.Duration {
	if c.Sheets.SyncIntervalMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Sheets.SyncIntervalMinutes) * time.Minute
}

func (c *Config) BackupInterval() time.Duration {
	if c.Backup.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Backup.IntervalHours) * time.Hour
}

func (c *Config) InitDataMaxAge() time.Duration {
	if c.HTTP.InitDataMaxAgeHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.HTTP.InitDataMaxAgeHours) * time.Hour
}

func (c *Config) HTTPPort() int {
	if c.HTTP.Port <= 0 {
		return 8080
	}
	return c.HTTP.Port
}

func (c *Config) openTime() string {
	if c.Booking.OpenTime == "" {
		return "10:00"
	}
	return c.Booking.OpenTime
}

func (c *Config) closeTime() string {
	if c.Booking.CloseTime == "" {
		return "21:00"
	}
	return c.Booking.CloseTime
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid format '%s', expected HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
