// Package config loads mxircd's configuration file and wires up
// structured logging for the rest of the gateway.
package config

import (
	"fmt"
	"runtime"
	"strings"

	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Load reads cfgfile (TOML/YAML/JSON, whatever viper's format
// detection picks up from the extension) into a *viper.Viper,
// honoring MXIRCD_-prefixed environment overrides and reloading on
// file changes.
func Load(cfgfile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(cfgfile)

	v.SetEnvPrefix("mxircd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.bind", ":6667")
	v.SetDefault("server.name", "mxircd")
	v.SetDefault("debug", false)
	v.SetDefault("trace", false)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", cfgfile, err)
	}

	if runtime.GOOS != "illumos" {
		v.WatchConfig()
	}

	return v, nil
}

// NewLogger builds a prefixed-formatter logrus entry scoped under
// prefix (e.g. "gateway", "matrix") rather than a package-global, with
// level controlled by the debug/trace config flags.
func NewLogger(v *viper.Viper, prefix string) *logrus.Entry {
	root := logrus.New()
	root.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	})

	if v.GetBool("trace") {
		root.SetLevel(logrus.TraceLevel)
	} else if v.GetBool("debug") {
		root.SetLevel(logrus.DebugLevel)
	}

	return root.WithFields(logrus.Fields{"prefix": prefix})
}
