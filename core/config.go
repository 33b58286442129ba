package core

import (
	"errors"
	"os"
	"strings"

	version "github.com/hashicorp/go-version"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// GatewayConfig represents the configuration required to assemble a REST
// gateway around an ApiProvider.
type GatewayConfig struct {
	// Address the HTTP server binds to, e.g. ":9443".
	Address string
	// Prefix is the REST URL prefix every generated route lives under.
	Prefix string
	// SessionService names the service whose operations keep legacy
	// session routing; it is exempt from verb annotation processing.
	SessionService string
	// SessionMethods lists "service.operation" names whose string output
	// becomes the response session cookie.
	SessionMethods []string
	// AllowCookies disables all response cookie handling when false.
	AllowCookies bool
	// PlatformVersion, when set, excludes operations released in a later
	// platform version from route generation.
	PlatformVersion string
	// SecurityParsers is the ordered credential parser chain.
	SecurityParsers []SecurityParser

	Log LogConfig
}

// GatewayConfigFunc defines a function that can modify or validate a
// GatewayConfig.
type GatewayConfigFunc func(*GatewayConfig) error

// Validate applies the given validators to the config. Panics if any
// validator returns an error.
func (config *GatewayConfig) Validate(validators ...GatewayConfigFunc) {
	for _, fn := range validators {
		if err := fn(config); err != nil {
			panic(err)
		}
	}
}

// WithPrefix returns a validator that sets a default REST prefix if none is
// provided.
func WithPrefix(prefix string) GatewayConfigFunc {
	return func(config *GatewayConfig) error {
		if config.Prefix == "" {
			config.Prefix = prefix
		}
		if !strings.HasPrefix(config.Prefix, "/") {
			return errors.New("rest prefix must start with '/'")
		}
		return nil
	}
}

// WithAddress returns a validator that sets a default bind address if none
// is provided.
func WithAddress(address string) GatewayConfigFunc {
	return func(config *GatewayConfig) error {
		if config.Address == "" {
			config.Address = address
		}
		return nil
	}
}

// WithPlatformVersion validates that the configured platform version, when
// set, parses as a semantic version.
func WithPlatformVersion() GatewayConfigFunc {
	return func(config *GatewayConfig) error {
		if config.PlatformVersion == "" {
			return nil
		}
		if _, err := version.NewVersion(config.PlatformVersion); err != nil {
			return err
		}
		return nil
	}
}

// WithSecurityParsers returns a validator that installs a default parser
// chain when the config declares none.
func WithSecurityParsers(parsers ...SecurityParser) GatewayConfigFunc {
	return func(config *GatewayConfig) error {
		if len(config.SecurityParsers) == 0 {
			config.SecurityParsers = parsers
		}
		return nil
	}
}

//  ######################################################
//              LOGGING
//  ######################################################

// LogConfig controls the gateway logger.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	// Outputs lists sinks: "stdout", "stderr" or a file path.
	Outputs  []string
	Rotation RotationConfig
}

// RotationConfig enables size-based rotation for file outputs.
type RotationConfig struct {
	Enable     bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// SetupLogger builds a zap.Logger from the provided configuration. The
// caller should defer logger.Sync().
func SetupLogger(c LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.Level) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}

	var encoder zapcore.Encoder
	if strings.ToLower(c.Format) == "console" {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	outputs := c.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	var cores []zapcore.Core
	for _, out := range outputs {
		var ws zapcore.WriteSyncer
		switch strings.ToLower(out) {
		case "stdout":
			ws = zapcore.AddSync(os.Stdout)
		case "stderr":
			ws = zapcore.AddSync(os.Stderr)
		default:
			if c.Rotation.Enable {
				ws = zapcore.AddSync(&lumberjack.Logger{
					Filename:   out,
					MaxSize:    c.Rotation.MaxSizeMB,
					MaxBackups: c.Rotation.MaxBackups,
					MaxAge:     c.Rotation.MaxAgeDays,
					Compress:   c.Rotation.Compress,
				})
			} else {
				f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
				if err != nil {
					return nil, err
				}
				ws = zapcore.AddSync(f)
			}
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel))
	return logger, nil
}
