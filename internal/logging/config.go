package logging

// Config controls the zap logger component. When Dir is empty logs go only
// to the console; otherwise a size-rotated file is written as well.
type Config struct {
	Level      string `yaml:"level"`
	Encoding   string `yaml:"encoding"` // "console" or "json"
	Console    bool   `yaml:"console"`
	Dir        string `yaml:"dir"`
	Filename   string `yaml:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

func (c Config) withDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Encoding == "" {
		c.Encoding = "console"
	}
	if c.Filename == "" {
		c.Filename = "stackrunner"
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 14
	}
	return c
}
