// Package storemgr loads the remote storage configuration and owns the
// objstore.Client built from it. It is what the objstore command uses, and
// what embedding programs can use to get the same configuration rules.
package storemgr

import (
	"context"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/serverlessresearch/objstore/pkg/objstore"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Manager struct {
	Client *objstore.Client
	Config objstore.RemoteStorageConfig
	Logger logrus.FieldLogger
	Cfg    *viper.Viper
}

// Keys that may be set from the environment as OBJSTORE_<KEY>, with dots
// replaced by underscores.
var envKeys = []string{
	"log_level",
	"timeout",
	"small_timeout",
	"request_rate_limit",
	"storage.kind",
	"storage.s3.bucket_name",
	"storage.s3.bucket_region",
	"storage.s3.prefix_in_bucket",
	"storage.s3.endpoint",
	"storage.s3.force_path_style",
	"storage.s3.access_key_id",
	"storage.s3.secret_access_key",
	"storage.s3.max_keys_per_list_response",
	"storage.s3.concurrency_limit",
	"storage.gcs.bucket_name",
	"storage.gcs.prefix_in_bucket",
	"storage.gcs.max_keys_per_list_response",
	"storage.gcs.concurrency_limit",
	"storage.gcs.endpoint",
	"storage.gcs.credentials_file",
	"storage.gcs.access_token",
	"storage.gcs.anonymous",
	"storage.azure.container_name",
	"storage.azure.container_region",
	"storage.azure.prefix_in_container",
	"storage.azure.connection_string",
	"storage.azure.endpoint",
	"storage.azure.max_keys_per_list_response",
	"storage.azure.concurrency_limit",
	"storage.local.root",
	"storage.local.prefix",
	"storage.local.max_keys_per_list_response",
	"storage.local.concurrency_limit",
}

// NewManager reads the configuration and builds the client. Recognized
// options in userCfg:
//
//	"config-file": path of the configuration file (string)
//	"logger":      logger to use instead of a new logrus logger (logrus.FieldLogger)
//	"registry":    Prometheus registerer for the client's metrics
func NewManager(userCfg map[string]interface{}) (*Manager, error) {
	var err error
	mgr := &Manager{}

	if cfgPathRaw, ok := userCfg["config-file"]; ok {
		if cfgPath, ok := cfgPathRaw.(string); ok {
			err = mgr.initConfig(&cfgPath)
		} else {
			return nil, errors.New("option 'config-file' must be of type string")
		}
	} else {
		err = mgr.initConfig(nil)
	}
	if err != nil {
		return nil, err
	}

	if loggerRaw, ok := userCfg["logger"]; ok {
		if logger, ok := loggerRaw.(logrus.FieldLogger); ok {
			mgr.Logger = logger
		} else {
			return nil, errors.New("option 'logger' must satisfy logrus.FieldLogger")
		}
	} else {
		logger := logrus.New()
		level, err := logrus.ParseLevel(mgr.Cfg.GetString("log_level"))
		if err != nil {
			return nil, errors.Wrap(err, "invalid log_level")
		}
		logger.SetLevel(level)
		mgr.Logger = logger
	}

	opts := []objstore.Option{objstore.WithLogger(mgr.Logger)}
	if regRaw, ok := userCfg["registry"]; ok {
		reg, ok := regRaw.(prometheus.Registerer)
		if !ok {
			return nil, errors.New("option 'registry' must satisfy prometheus.Registerer")
		}
		opts = append(opts, objstore.WithMetrics(reg))
	}

	mgr.Config, err = mgr.storageConfig()
	if err != nil {
		return nil, err
	}

	mgr.Client, err = objstore.New(context.Background(), mgr.Config, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to initialize remote storage "+mgr.Config.Storage.Kind())
	}
	mgr.Logger.WithFields(logrus.Fields{
		"module":  "storemgr",
		"backend": mgr.Client.BackendName(),
		"limit":   mgr.Client.Limiter().Limit(),
	}).Debug("remote storage ready")
	return mgr, nil
}

func (self *Manager) Destroy() {
	if self.Client != nil {
		if err := self.Client.Close(); err != nil {
			self.Logger.WithField("module", "storemgr").WithError(err).Warn("closing remote storage client")
		}
	}
}

func (self *Manager) initConfig(cfgPath *string) error {
	// This is a private viper context (so as not to conflict with the
	// importer's usage).
	self.Cfg = viper.New()

	self.Cfg.SetDefault("log_level", "info")
	self.Cfg.SetDefault("timeout", objstore.DefaultTimeout.String())
	self.Cfg.SetDefault("small_timeout", objstore.DefaultSmallTimeout.String())
	self.Cfg.SetDefault("request_rate_limit", 0)
	self.Cfg.SetDefault("storage.local.root", "~/.objstore/data")

	// Order of precedence: ENV, objstore.yaml, defaults
	self.Cfg.SetEnvPrefix("objstore")
	self.Cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := self.Cfg.BindEnv(key); err != nil {
			return errors.Wrapf(err, "binding environment for %s", key)
		}
	}
	// The names the Azure tooling uses.
	self.Cfg.BindEnv("storage.azure.storage_account", "OBJSTORE_STORAGE_AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT")
	self.Cfg.BindEnv("storage.azure.account_key", "OBJSTORE_STORAGE_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCESS_KEY")

	if cfgPath != nil {
		// Use config file from the flag.
		path, err := homedir.Expand(*cfgPath)
		if err != nil {
			return errors.Wrap(err, "Failed to expand config path")
		}
		self.Cfg.SetConfigFile(path)
	} else {
		// default search path for config is ./configs/objstore.* then
		// ~/.objstore/objstore.* (* can be json, yaml, etc)
		self.Cfg.AddConfigPath("./configs")
		if home, err := homedir.Dir(); err == nil {
			self.Cfg.AddConfigPath(home + "/.objstore")
		}
		self.Cfg.SetConfigName("objstore")
	}

	if err := self.Cfg.ReadInConfig(); err != nil {
		// Without an explicit file the environment alone may be enough.
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound && cfgPath == nil {
			return nil
		}
		return errors.Wrap(err, "Failed to load config")
	}
	return nil
}

func decode(input interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// storageConfig decodes the settings into a RemoteStorageConfig. It works
// on AllSettings so that values bound only to the environment are seen.
func (self *Manager) storageConfig() (objstore.RemoteStorageConfig, error) {
	var cfg objstore.RemoteStorageConfig
	settings := self.Cfg.AllSettings()
	if err := decode(settings, &cfg); err != nil {
		return cfg, errors.Wrapf(objstore.ErrInitialization, "decoding configuration: %v", err)
	}

	kind := self.Cfg.GetString("storage.kind")
	var backend objstore.BackendConfig
	switch kind {
	case "s3":
		backend = &objstore.S3Config{}
	case "gcs":
		backend = &objstore.GCSConfig{}
	case "azure":
		backend = &objstore.AzureConfig{}
	case "local":
		backend = &objstore.LocalFsConfig{}
	case "":
		return cfg, errors.Wrap(objstore.ErrInitialization, "storage.kind is not set")
	default:
		return cfg, errors.Wrapf(objstore.ErrInitialization, "unknown storage kind %q", kind)
	}

	var section interface{}
	if storage, ok := settings["storage"].(map[string]interface{}); ok {
		section = storage[kind]
	}
	if section != nil {
		if err := decode(section, backend); err != nil {
			return cfg, errors.Wrapf(objstore.ErrInitialization, "decoding storage.%s: %v", kind, err)
		}
	}
	if local, ok := backend.(*objstore.LocalFsConfig); ok {
		root, err := homedir.Expand(local.Root)
		if err != nil {
			return cfg, errors.Wrapf(objstore.ErrInitialization, "expanding %q: %v", local.Root, err)
		}
		local.Root = root
	}
	cfg.Storage = backend
	return cfg, nil
}

// EffectiveConfig is the decoded configuration in the shape of the
// configuration file. Credentials are left out.
func (self *Manager) EffectiveConfig() map[string]interface{} {
	kind := self.Config.Storage.Kind()
	return map[string]interface{}{
		"log_level":          self.Cfg.GetString("log_level"),
		"timeout":            durationString(self.Config.Timeout, objstore.DefaultTimeout),
		"small_timeout":      durationString(self.Config.SmallTimeout, objstore.DefaultSmallTimeout),
		"request_rate_limit": self.Config.RequestRateLimit,
		"storage": map[string]interface{}{
			"kind": kind,
			kind:   self.Config.Storage,
		},
	}
}

func durationString(d, def time.Duration) string {
	if d == 0 {
		d = def
	}
	return d.String()
}
