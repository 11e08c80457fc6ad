package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// DefaultAppSettingsPath is the optional logging sink configuration file.
const DefaultAppSettingsPath = "appsettings.json"

// AppSettings configures the logging sink only; the proxy core never
// reads it.
type AppSettings struct {
	Logging LoggingSettings `json:"Logging"`
}

// LoggingSettings selects the minimum level and console time format.
type LoggingSettings struct {
	Level      string `json:"Level"`
	TimeFormat string `json:"TimeFormat"`
}

// LoadAppSettings reads the optional appsettings file. An absent file is
// not an error; defaults apply.
func LoadAppSettings(path string) (*AppSettings, error) {
	if path == "" {
		path = DefaultAppSettingsPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AppSettings{}, nil
		}
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	settings := new(AppSettings)
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return settings, nil
}
