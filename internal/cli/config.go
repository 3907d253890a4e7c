package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/eunmann/worldup/pkg/worldupgrade"
)

// Config keys. Flags bound to a key override the config file.
const (
	cfgKeyEraseCache    = "erase_cache"
	cfgKeyRecreate      = "recreate"
	cfgKeyWriteTimeout  = "write_timeout"
	cfgKeyLatestVersion = "latest_version"
	cfgKeyPartitions    = "partitions"
	cfgKeyReport        = "report"
	cfgKeyMetricsFile   = "metrics_file"
	cfgKeyLogDebug      = "log.debug"
	cfgKeyLogHuman      = "log.human"
)

var flagKeys = map[string]string{
	"erase-cache":    cfgKeyEraseCache,
	"recreate":       cfgKeyRecreate,
	"write-timeout":  cfgKeyWriteTimeout,
	"latest-version": cfgKeyLatestVersion,
	"report":         cfgKeyReport,
	"metrics-file":   cfgKeyMetricsFile,
	"debug":          cfgKeyLogDebug,
	"human":          cfgKeyLogHuman,
}

// loadConfig reads the optional YAML file at path and binds every known
// flag in flags to its key. An empty path means no config file.
func loadConfig(path string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		bindErr = errors.Join(bindErr, v.BindPFlag(key, f))
	})
	if bindErr != nil {
		return nil, fmt.Errorf("bind flags: %w", bindErr)
	}
	return v, nil
}

// upgradeOptions maps the resolved configuration onto worldupgrade.Options.
func upgradeOptions(v *viper.Viper, worldDir string) (worldupgrade.Options, error) {
	opts := worldupgrade.Options{
		WorldDir:      worldDir,
		EraseCache:    v.GetBool(cfgKeyEraseCache),
		Recreate:      v.GetBool(cfgKeyRecreate),
		WriteTimeout:  v.GetDuration(cfgKeyWriteTimeout),
		LatestVersion: v.GetInt(cfgKeyLatestVersion),
		ReportPath:    v.GetString(cfgKeyReport),
	}
	if v.IsSet(cfgKeyPartitions) {
		if err := v.UnmarshalKey(cfgKeyPartitions, &opts.Partitions); err != nil {
			return opts, fmt.Errorf("config %s: %w", cfgKeyPartitions, err)
		}
	}
	return opts, nil
}
