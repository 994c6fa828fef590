// Package boilerplate collects the small config/log/CLI conventions shared
// by every teleportald command, mirroring the call pattern the teacher's
// own command-line tools use against their mainboilerplate package (see
// examples/word-count/wordcountctl/main.go): grouped go-flags config
// structs, a LogConfig that configures logrus, and Must/MustParseArgs
// helpers that turn setup errors into a clean os.Exit rather than a panic.
package boilerplate

import (
	"os"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// LogConfig is embedded (via `group:"Logging" namespace:"log"`) into a
// command's top-level Config, mirroring mainboilerplate.LogConfig.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" description:"Logging level: debug, info, warn, error"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Logging format"`
}

// Configure applies the level and formatter to logrus's standard logger.
func (c LogConfig) Configure() {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		log.WithField("level", c.Level).Warn("unrecognized log level; defaulting to info")
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if c.Format == "json" {
		log.SetFormatter(new(log.JSONFormatter))
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// ServerConfig is embedded into a command's Config for the listening
// address of teleportald's own transport.
type ServerConfig struct {
	Address string `long:"address" env:"ADDRESS" default:":8080" description:"Address to bind the WebSocket listener to"`
	NodeID  string `long:"node-id" env:"NODE_ID" description:"Replication node identity; random if omitted"`
}

// StorageConfig is embedded into a command's Config for the storage
// backend selection.
type StorageConfig struct {
	Backend string `long:"backend" env:"BACKEND" default:"memory" choice:"memory" choice:"bbolt" description:"Storage engine"`
	Path    string `long:"path" env:"PATH" default:"teleportal.db" description:"bbolt database file path, when backend=bbolt"`
}

// AuthConfig is embedded into a command's Config for token issuance/
// verification.
type AuthConfig struct {
	Secret string `long:"secret" env:"SECRET" required:"true" description:"HMAC secret for signing and verifying access tokens"`
	Issuer string `long:"issuer" env:"ISSUER" default:"teleportald" description:"Token issuer claim"`
}

// ReplicationConfig is embedded into a command's Config for the pub/sub
// replication backend selection.
type ReplicationConfig struct {
	Backend string `long:"backend" env:"BACKEND" default:"memory" choice:"memory" choice:"nats" description:"Replication backend"`
	NATSURL string `long:"nats-url" env:"NATS_URL" default:"nats://127.0.0.1:4222" description:"NATS server URL, when backend=nats"`
}

// Must logs a fatal error and exits if err is non-nil. It takes only
// (err, message); no extra log fields are accepted.
func Must(err error, message string) {
	if err == nil {
		return
	}
	log.WithError(err).Fatal(message)
}

// MustParseArgs parses os.Args with parser, exiting 0 on a requested
// --help and 1 on any other parse error, mirroring
// mainboilerplate.MustParseArgs.
func MustParseArgs(parser *flags.Parser) {
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithError(err).Fatal("failed to parse arguments")
	}
}
