package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"resultd/internal/config"
	"resultd/internal/groups"
	"resultd/internal/logging"
	"resultd/internal/readiness"
	"resultd/internal/watcher"
)

type Config struct {
	Host             string
	Port             int
	AuthToken        string
	WorkingDir       string
	ManifestPath     string
	Extensions       []string
	PollInterval     time.Duration
	QuietPeriod      time.Duration
	ReadyTimeout     time.Duration
	WatchSlice       time.Duration
	JoinTimeout      time.Duration
	MaxSubscriptions int
	SubscribeRate    float64
	DedupUnchanged   bool
	LogLevel         logging.Level
	AllowedOrigins   []string
	ConfigFile       string
	ShowVersion      bool
	Sources          map[string]configSource
}

type configSource string

const (
	sourceDefault configSource = "default"
	sourceFile    configSource = "file"
	sourceEnv     configSource = "env"
	sourceFlag    configSource = "flag"
)

const envPrefix = "RESULTD_"

type configDefaults struct {
	Host             string
	Port             int
	AuthToken        string
	WorkingDir       string
	ManifestPath     string
	Extensions       []string
	PollInterval     time.Duration
	QuietPeriod      time.Duration
	ReadyTimeout     time.Duration
	WatchSlice       time.Duration
	JoinTimeout      time.Duration
	MaxSubscriptions int
	SubscribeRate    float64
	DedupUnchanged   bool
	LogLevel         logging.Level
	AllowedOrigins   []string
	ConfigFile       string
}

type helpOption struct {
	Name string
	Desc string
}

func defaultConfigValues() configDefaults {
	return configDefaults{
		Port:             8080,
		WorkingDir:       "",
		ManifestPath:     "",
		Extensions:       append([]string(nil), groups.DefaultExtensions...),
		PollInterval:     readiness.DefaultPollInterval,
		QuietPeriod:      readiness.DefaultQuietPeriod,
		ReadyTimeout:     readiness.DefaultTimeout,
		WatchSlice:       watcher.DefaultSlice,
		JoinTimeout:      2 * time.Second,
		MaxSubscriptions: 256,
		SubscribeRate:    20,
		DedupUnchanged:   true,
		LogLevel:         logging.LevelInfo,
		ConfigFile:       config.DefaultFileName,
	}
}

func helpOptions(defaults configDefaults) []helpOption {
	return []helpOption{
		{Name: "version", Desc: "Print version and exit"},
		{Name: "config", Desc: fmt.Sprintf("TOML config file (default %s)", defaults.ConfigFile)},
		{Name: "host", Desc: "Bind address (default: all interfaces)"},
		{Name: "port", Desc: fmt.Sprintf("HTTP port, 0 picks a free one (default %d)", defaults.Port)},
		{Name: "token", Desc: "Auth token for REST, SSE and websocket routes"},
		{Name: "working-dir", Desc: "Base directory for relative output paths (default: current directory)"},
		{Name: "manifest", Desc: "YAML manifest of finished runs to preload"},
		{Name: "extensions", Desc: fmt.Sprintf("Comma-separated output extensions for grouping (default %s)", strings.Join(defaults.Extensions, ","))},
		{Name: "poll-interval", Desc: fmt.Sprintf("Readiness poll interval (default %s)", defaults.PollInterval)},
		{Name: "quiet-period", Desc: fmt.Sprintf("Time a file must stay unchanged before delivery (default %s)", defaults.QuietPeriod)},
		{Name: "ready-timeout", Desc: fmt.Sprintf("Give up on a file that never settles (default %s)", defaults.ReadyTimeout)},
		{Name: "watch-slice", Desc: fmt.Sprintf("Watcher wait slice between stop checks (default %s)", defaults.WatchSlice)},
		{Name: "join-timeout", Desc: fmt.Sprintf("Wait for a stopping worker before forcing close (default %s)", defaults.JoinTimeout)},
		{Name: "max-subscriptions", Desc: fmt.Sprintf("Live subscription cap, 0 for unlimited (default %d)", defaults.MaxSubscriptions)},
		{Name: "subscribe-rate", Desc: fmt.Sprintf("New subscriptions per second, 0 for unlimited (default %g)", defaults.SubscribeRate)},
		{Name: "dedup-unchanged", Desc: fmt.Sprintf("Skip re-delivery of unchanged files (default %t)", defaults.DedupUnchanged)},
		{Name: "log-level", Desc: fmt.Sprintf("debug, info, warning or error (default %s)", defaults.LogLevel)},
		{Name: "allowed-origins", Desc: "Comma-separated websocket origins (default: same host)"},
	}
}

// configLayers resolves a key from flags, then environment, then the config
// file. Only flags set on the command line count.
type configLayers struct {
	flags  map[string]string
	getenv func(string) string
	file   config.Store
}

func (layers configLayers) lookup(key string) (string, configSource, bool) {
	if value, ok := layers.flags[key]; ok {
		return value, sourceFlag, true
	}
	if layers.getenv != nil {
		if value := strings.TrimSpace(layers.getenv(envName(key))); value != "" {
			return value, sourceEnv, true
		}
	}
	if value, ok := layers.file.GetText(key); ok {
		return value, sourceFile, true
	}
	return "", sourceDefault, false
}

func envName(key string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

func loadConfig(args []string, getenv func(string) string) (Config, error) {
	defaults := defaultConfigValues()
	flags, err := parseFlags(args, defaults)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{Sources: make(map[string]configSource)}
	if flags["version"] == "true" {
		cfg.ShowVersion = true
		return cfg, nil
	}

	configFile := defaults.ConfigFile
	configRequired := false
	if value, ok := flags["config"]; ok {
		configFile, configRequired = value, true
	} else if getenv != nil {
		if value := strings.TrimSpace(getenv(envName("config"))); value != "" {
			configFile, configRequired = value, true
		}
	}
	store, err := config.Load(configFile, configRequired)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfigFile = store.Path()
	layers := configLayers{flags: flags, getenv: getenv, file: store}

	var errs []error
	resolve := func(key string, apply func(string) error) {
		value, source, ok := layers.lookup(key)
		cfg.Sources[key] = source
		if !ok {
			return
		}
		if err := apply(value); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s (%s): %w", key, source, err))
		}
	}

	cfg.Host = defaults.Host
	resolve("host", func(value string) error {
		cfg.Host = strings.TrimSpace(value)
		return nil
	})

	cfg.Port = defaults.Port
	resolve("port", func(value string) error {
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		if port < 0 || port > 65535 {
			return errors.New("must be between 0 and 65535")
		}
		cfg.Port = port
		return nil
	})

	cfg.AuthToken = defaults.AuthToken
	resolve("token", func(value string) error {
		cfg.AuthToken = value
		return nil
	})

	cfg.WorkingDir = defaults.WorkingDir
	resolve("working-dir", func(value string) error {
		cfg.WorkingDir = strings.TrimSpace(value)
		return nil
	})

	cfg.ManifestPath = defaults.ManifestPath
	resolve("manifest", func(value string) error {
		cfg.ManifestPath = strings.TrimSpace(value)
		return nil
	})

	cfg.Extensions = defaults.Extensions
	resolve("extensions", func(value string) error {
		extensions := normalizeExtensions(splitList(value))
		if len(extensions) == 0 {
			return errors.New("at least one extension is required")
		}
		cfg.Extensions = extensions
		return nil
	})

	durations := []struct {
		key    string
		target *time.Duration
		def    time.Duration
	}{
		{key: "poll-interval", target: &cfg.PollInterval, def: defaults.PollInterval},
		{key: "quiet-period", target: &cfg.QuietPeriod, def: defaults.QuietPeriod},
		{key: "ready-timeout", target: &cfg.ReadyTimeout, def: defaults.ReadyTimeout},
		{key: "watch-slice", target: &cfg.WatchSlice, def: defaults.WatchSlice},
		{key: "join-timeout", target: &cfg.JoinTimeout, def: defaults.JoinTimeout},
	}
	for _, entry := range durations {
		*entry.target = entry.def
		target := entry.target
		resolve(entry.key, func(value string) error {
			parsed, err := parseDuration(value)
			if err != nil {
				return err
			}
			if parsed <= 0 {
				return errors.New("must be > 0")
			}
			*target = parsed
			return nil
		})
	}

	cfg.MaxSubscriptions = defaults.MaxSubscriptions
	resolve("max-subscriptions", func(value string) error {
		limit, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		if limit < 0 {
			return errors.New("must be >= 0")
		}
		cfg.MaxSubscriptions = limit
		return nil
	})

	cfg.SubscribeRate = defaults.SubscribeRate
	resolve("subscribe-rate", func(value string) error {
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		if rate < 0 {
			return errors.New("must be >= 0")
		}
		cfg.SubscribeRate = rate
		return nil
	})

	cfg.DedupUnchanged = defaults.DedupUnchanged
	resolve("dedup-unchanged", func(value string) error {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		cfg.DedupUnchanged = parsed
		return nil
	})

	cfg.LogLevel = defaults.LogLevel
	resolve("log-level", func(value string) error {
		level, ok := logging.ParseLevel(value)
		if !ok {
			return fmt.Errorf("unknown level %q", value)
		}
		cfg.LogLevel = level
		return nil
	})

	cfg.AllowedOrigins = defaults.AllowedOrigins
	resolve("allowed-origins", func(value string) error {
		cfg.AllowedOrigins = splitList(value)
		return nil
	})

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if cfg.QuietPeriod >= cfg.ReadyTimeout {
		return Config{}, fmt.Errorf("invalid quiet-period: must be shorter than ready-timeout (%s)", cfg.ReadyTimeout)
	}
	return cfg, nil
}

// parseFlags returns the flags set on the command line as text.
func parseFlags(args []string, defaults configDefaults) (map[string]string, error) {
	if args == nil {
		args = []string{}
	}
	fs := flag.NewFlagSet("resultd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Bool("version", false, "")
	fs.String("config", defaults.ConfigFile, "")
	fs.String("host", defaults.Host, "")
	fs.Int("port", defaults.Port, "")
	fs.String("token", defaults.AuthToken, "")
	fs.String("working-dir", defaults.WorkingDir, "")
	fs.String("manifest", defaults.ManifestPath, "")
	fs.String("extensions", strings.Join(defaults.Extensions, ","), "")
	fs.Duration("poll-interval", defaults.PollInterval, "")
	fs.Duration("quiet-period", defaults.QuietPeriod, "")
	fs.Duration("ready-timeout", defaults.ReadyTimeout, "")
	fs.Duration("watch-slice", defaults.WatchSlice, "")
	fs.Duration("join-timeout", defaults.JoinTimeout, "")
	fs.Int("max-subscriptions", defaults.MaxSubscriptions, "")
	fs.Float64("subscribe-rate", defaults.SubscribeRate, "")
	fs.Bool("dedup-unchanged", defaults.DedupUnchanged, "")
	fs.String("log-level", string(defaults.LogLevel), "")
	fs.String("allowed-origins", strings.Join(defaults.AllowedOrigins, ","), "")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	set := make(map[string]string)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = f.Value.String()
	})
	return set, nil
}

func printHelp(out io.Writer, defaults configDefaults) {
	fmt.Fprintln(out, "Usage: resultd [options]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Every option can also be set as RESULTD_<NAME> or in the TOML config file.")
	fmt.Fprintln(out)
	for _, option := range helpOptions(defaults) {
		fmt.Fprintf(out, "  --%-20s %s\n", option.Name, option.Desc)
	}
}

func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if millis, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(millis) * time.Millisecond, nil
	}
	return time.ParseDuration(value)
}

func splitList(value string) []string {
	var items []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

func normalizeExtensions(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	extensions := make([]string, 0, len(values))
	for _, value := range values {
		ext := strings.ToLower(value)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if _, ok := seen[ext]; ok {
			continue
		}
		seen[ext] = struct{}{}
		extensions = append(extensions, ext)
	}
	return extensions
}

func sourceFields(cfg Config) map[string]string {
	keys := make([]string, 0, len(cfg.Sources))
	for key := range cfg.Sources {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	fields := make(map[string]string, len(keys))
	for _, key := range keys {
		if cfg.Sources[key] != sourceDefault {
			fields[key] = string(cfg.Sources[key])
		}
	}
	return fields
}
