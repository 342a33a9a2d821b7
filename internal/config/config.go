/*
Package config loads the settings for a cfddns run.

Settings come from a single file, HJSON/JSON or YAML depending on its extension,
laid over the defaults returned by Default.
Secrets can instead be supplied through the environment or a key file.
*/
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/hjson/hjson-go"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/encoding/unicode"
	"gopkg.in/yaml.v3"

	"github.com/Travis-Britz/cfddns"
)

// Config is built once at startup and handed to the client.
type Config struct {
	Email      string `mapstructure:"email"`
	APIKey     string `mapstructure:"api_key"`
	APIToken   string `mapstructure:"api_token"`
	KeyFile    string `mapstructure:"key_file"`
	APIBaseURL string `mapstructure:"api_base_url"`
	APIRetries int    `mapstructure:"api_retries"`

	Zone       string `mapstructure:"zone"`
	Record     string `mapstructure:"record"`
	RecordType string `mapstructure:"record_type"`
	TTL        int    `mapstructure:"ttl"`
	Proxied    bool   `mapstructure:"proxied"`
	Comment    string `mapstructure:"comment"`

	IPServices []string      `mapstructure:"ip_services"`
	Quorum     int           `mapstructure:"quorum"`
	Timeout    time.Duration `mapstructure:"timeout"`

	LogFile   string `mapstructure:"log_file"`
	LogLevel  string `mapstructure:"log_level"`
	StateFile string `mapstructure:"state_file"`
}

// DefaultKeyFile is where setup saves the API key, and where Validate looks for one
// when none is configured. It is empty if the home directory is unknown.
func DefaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cloudflare")
}

// Default returns the settings used for anything the config file leaves out.
func Default() *Config {
	return &Config{
		KeyFile:    DefaultKeyFile(),
		APIBaseURL: cfddns.DefaultAPIBaseURL,
		APIRetries: cfddns.DefaultAPIRetries,
		RecordType: cfddns.DefaultRecordType,
		TTL:        cfddns.DefaultTTL,
		Comment:    cfddns.DefaultComment,
		IPServices: append([]string(nil), cfddns.DefaultServices...),
		Quorum:     cfddns.MinQuorum,
		Timeout:    cfddns.DefaultTimeout,
		LogFile:    "cf_update.log",
		LogLevel:   "info",
		StateFile:  cfddns.DefaultStateFile,
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
		if err := cfg.decode(b, filepath.Ext(path)); err != nil {
			return nil, fmt.Errorf("error parsing %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

func (cfg *Config) decode(conf []byte, ext string) error {
	// Windows editors like to save UTF-16 with a byte order mark,
	// which neither hjson nor yaml understand.
	if len(conf) >= 2 && (bytes.Equal(conf[0:2], []byte{0xFF, 0xFE}) || bytes.Equal(conf[0:2], []byte{0xFE, 0xFF})) {
		utf := unicode.UTF16(unicode.BigEndian, unicode.UseBOM)
		var err error
		if conf, err = utf.NewDecoder().Bytes(conf); err != nil {
			return err
		}
	}

	var dat map[string]interface{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(conf, &dat); err != nil {
			return err
		}
	default:
		if err := hjson.Unmarshal(conf, &dat); err != nil {
			return err
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(durationSecondsHook, mapstructure.StringToTimeDurationHookFunc()),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(dat)
}

// durationSecondsHook reads bare numbers as seconds, so timeout: 5 means five seconds.
func durationSecondsHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	}
	return data, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) {
	for name, field := range map[string]*string{
		"CF_EMAIL":      &cfg.Email,
		"CF_API_KEY":    &cfg.APIKey,
		"CF_API_TOKEN":  &cfg.APIToken,
		"CFDDNS_ZONE":   &cfg.Zone,
		"CFDDNS_RECORD": &cfg.Record,
	} {
		if v, found := lookup(name); found && v != "" {
			*field = v
		}
	}
}

// Validate checks the settings and fills in values derived from others:
// the record and zone are converted to ASCII, a missing zone becomes the
// registrable domain of the record, and secrets are read from the key file.
func (cfg *Config) Validate() error {
	var errs []error

	record, err := normalizeName(cfg.Record)
	switch {
	case cfg.Record == "":
		errs = append(errs, errors.New("record cannot be empty"))
	case err != nil:
		errs = append(errs, fmt.Errorf("record: %w", err))
	case !strings.Contains(record, "."):
		errs = append(errs, errors.New("record must have at least one dot"))
	default:
		cfg.Record = record
	}

	if cfg.Zone == "" && cfg.Record != "" && err == nil {
		if cfg.Zone, err = publicsuffix.EffectiveTLDPlusOne(cfg.Record); err != nil {
			errs = append(errs, fmt.Errorf("unable to derive zone from record: %w", err))
		}
	}
	if zone, err := normalizeName(cfg.Zone); err != nil {
		errs = append(errs, fmt.Errorf("zone: %w", err))
	} else {
		cfg.Zone = zone
		if cfg.Record != "" && cfg.Record != zone && !strings.HasSuffix(cfg.Record, "."+zone) {
			errs = append(errs, fmt.Errorf("record %s is not inside zone %s", cfg.Record, zone))
		}
	}

	if cfg.KeyFile != "" && cfg.APIKey == "" && cfg.APIToken == "" {
		key, err := ReadKeyFile(cfg.KeyFile)
		if err != nil {
			errs = append(errs, err)
		} else if cfg.Email != "" {
			cfg.APIKey = key
		} else {
			cfg.APIToken = key
		}
	}
	if cfg.APIToken == "" && (cfg.Email == "" || cfg.APIKey == "") {
		errs = append(errs, errors.New("credentials need api_token, or email and api_key"))
	}

	if strings.ToUpper(cfg.RecordType) != "A" {
		errs = append(errs, fmt.Errorf("record_type %q cannot hold an IPv4 address", cfg.RecordType))
	}
	if cfg.TTL != 1 && (cfg.TTL < 60 || cfg.TTL > 86400) {
		errs = append(errs, fmt.Errorf("ttl must be 1 (automatic) or between 60 and 86400; got %d", cfg.TTL))
	}
	if cfg.Quorum < cfddns.MinQuorum {
		errs = append(errs, fmt.Errorf("quorum must be at least %d; got %d", cfddns.MinQuorum, cfg.Quorum))
	}
	if len(cfg.IPServices) < cfg.Quorum {
		errs = append(errs, fmt.Errorf("%d ip_services cannot reach a quorum of %d", len(cfg.IPServices), cfg.Quorum))
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive; got %s", cfg.Timeout))
	}
	if cfg.APIRetries < 0 {
		errs = append(errs, fmt.Errorf("api_retries cannot be negative; got %d", cfg.APIRetries))
	}
	if cfg.StateFile == "" {
		errs = append(errs, errors.New("state_file cannot be empty"))
	}
	return errors.Join(errs...)
}

// Credentials returns the API credentials in the form the client expects.
func (cfg *Config) Credentials() cfddns.Credentials {
	return cfddns.Credentials{Email: cfg.Email, Key: cfg.APIKey, Token: cfg.APIToken}
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" {
		return "", nil
	}
	return idna.Lookup.ToASCII(name)
}

// ReadKeyFile returns the first line of path after checking that only its owner can read it.
func ReadKeyFile(path string) (key string, err error) {
	if err := VerifyPermissions(path); err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("error reading key: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	keyb, _, err := r.ReadLine()
	if err != nil {
		return "", fmt.Errorf("error reading line: %w", err)
	}
	key = strings.TrimSpace(string(keyb))
	if key == "" {
		return "", fmt.Errorf("key file \"%s\" is empty", path)
	}
	return key, nil
}

func VerifyPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("error checking keyfile permissions: %w", err)
	}

	perms := info.Mode().Perm()
	// Error messages will state that we want 0600,
	// but we'll also accept 0400 which is even more restricted.
	// The file might be provided by some secrets managing software as readonly.
	if perms != 0600 && perms != 0400 {
		return fmt.Errorf("invalid permissions for \"%s\": expected file permissions \"-rw-------\"; found \"%s\"", path, fs.FileMode(perms))
	}
	return nil
}
