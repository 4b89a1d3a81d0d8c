package common

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	commonconfig "github.com/hpcflow/cosched/internal/common/config"
)

// LoadConfig unmarshals into config, in increasing order of precedence: the defaults already set on v,
// <defaultPath>/config.yaml if it exists, each of overrides, and environment variables named
// <envPrefix>_<KEY_PATH>, e.g., COSCHED_SEARCH_WORKERS.
func LoadConfig(v *viper.Viper, config interface{}, defaultPath string, overrides []string, envPrefix string) error {
	v.SetConfigType("yaml")
	defaultFile := filepath.Join(defaultPath, "config.yaml")
	if _, err := os.Stat(defaultFile); err == nil {
		v.SetConfigFile(defaultFile)
		if err := v.MergeInConfig(); err != nil {
			return errors.WithMessagef(err, "failed to read default config %s", defaultFile)
		}
	} else {
		log.Debugf("no default config at %s", defaultFile)
	}
	for _, path := range overrides {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return errors.WithMessagef(err, "failed to read config %s", path)
		}
		log.Infof("read config from %s", path)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
