// Package config loads sitepipe.toml and SITEPIPE_* environment variables.
package config

import (
	"path/filepath"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// FileName is the config file looked up in the project root.
const FileName = "sitepipe.toml"

// Config describes all configuration options
type Config struct {
	Tasks    string `default:"tasks.star" usage:"Task script; the built-in tasks are used if it doesn't exist"`
	State    string `default:".sitepipe/state.db" usage:"Database storing input fingerprints"`
	Progress bool   `default:"true" usage:"Show progress bars for long running steps"`
	Log      struct {
		Level string `default:"info"`
		File  string `usage:"Additionally write JSON logs to this file"`
		JSON  bool   `default:"false" usage:"Output JSONND instead of pretty console messages"`
	}
	Paths struct {
		Src  string `default:"src" usage:"Directory containing the sources"`
		Tmp  string `default:"tmp" usage:"Output directory for development builds"`
		Dist string `default:"dist" usage:"Output directory for production builds"`
	}
	Server struct {
		Host       string `default:"localhost" usage:"Host the dev server listens on"`
		Port       int    `default:"3000" usage:"Port the dev server listens on (0 picks a free port)"`
		LiveReload bool   `default:"true" usage:"Reload connected browsers when files change"`
		Lull       int    `default:"300" usage:"Milliseconds to wait for further changes before reacting"`
	}
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. The config file is looked up
// in projectRoot.
func Loader(projectRoot string) (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: true,
		EnvPrefix: "SITEPIPE",
		Files:     []string{filepath.Join(projectRoot, FileName)},
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads the config for projectRoot and validates it.
func Load(projectRoot string) (*Config, error) {
	cfg, loader := Loader(projectRoot)
	err := loader.Load()
	if err != nil {
		return nil, eris.Wrapf(err, "failed to load %s", FileName)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return eris.Errorf(`Invalid value for server.port: %d`, cfg.Server.Port)
	}

	if cfg.Server.Lull < 0 {
		return eris.Errorf(`Invalid value for server.lull: %d`, cfg.Server.Lull)
	}

	for name, value := range map[string]string{
		"paths.src":  cfg.Paths.Src,
		"paths.tmp":  cfg.Paths.Tmp,
		"paths.dist": cfg.Paths.Dist,
		"tasks":      cfg.Tasks,
	} {
		if value == "" {
			return eris.Errorf(`%s must not be empty`, name)
		}
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// LullDuration returns Server.Lull as a duration.
func (cfg *Config) LullDuration() time.Duration {
	return time.Duration(cfg.Server.Lull) * time.Millisecond
}

// ScriptOptions returns the values passed to the option() calls of task scripts. Explicit options given on the
// command line take precedence.
func (cfg *Config) ScriptOptions(overrides map[string]string) map[string]string {
	result := map[string]string{
		"src":  cfg.Paths.Src,
		"tmp":  cfg.Paths.Tmp,
		"dist": cfg.Paths.Dist,
	}

	for k, v := range overrides {
		result[k] = v
	}
	return result
}
