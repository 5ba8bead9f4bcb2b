package logger

// Config is the logger's own tunables (kept separate from config.LogConfig
// so the logger package has no import-cycle dependency on config).
type Config struct {
	Level string `json:"level"` // debug|info|warn|error, default info
}

// SetDefaults fills in the zero-value level.
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}
