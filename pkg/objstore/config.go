package objstore

import (
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultTimeout      = 120 * time.Second
	DefaultSmallTimeout = 30 * time.Second

	DefaultS3ConcurrencyLimit    = 100
	DefaultGCSConcurrencyLimit   = 100
	DefaultAzureConcurrencyLimit = 100
	DefaultLocalConcurrencyLimit = 100
)

// RemoteStorageConfig selects a backend and the timeout tiers applied to
// every call made through the Client.
type RemoteStorageConfig struct {
	Storage BackendConfig `mapstructure:"-" yaml:"storage"`

	// Timeout governs uploads, deletes, listings and Normal downloads.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// SmallTimeout governs Small downloads, Head and Exists.
	SmallTimeout time.Duration `mapstructure:"small_timeout" yaml:"small_timeout"`
	// RequestRateLimit caps backend requests per second. Zero disables it.
	RequestRateLimit float64 `mapstructure:"request_rate_limit" yaml:"request_rate_limit"`
}

// BackendConfig is implemented by S3Config, GCSConfig, AzureConfig and
// LocalFsConfig.
type BackendConfig interface {
	// Kind names the backend: "s3", "gcs", "azure" or "local".
	Kind() string
	keyPrefix() string
	concurrencyLimit() int
	maxKeysPerList() int
	validate() error
}

type S3Config struct {
	BucketName             string `mapstructure:"bucket_name" yaml:"bucket_name"`
	BucketRegion           string `mapstructure:"bucket_region" yaml:"bucket_region"`
	PrefixInBucket         string `mapstructure:"prefix_in_bucket" yaml:"prefix_in_bucket,omitempty"`
	Endpoint               string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	ForcePathStyle         bool   `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
	AccessKeyID            string `mapstructure:"access_key_id" yaml:"-"`
	SecretAccessKey        string `mapstructure:"secret_access_key" yaml:"-"`
	MaxKeysPerListResponse int    `mapstructure:"max_keys_per_list_response" yaml:"max_keys_per_list_response,omitempty"`
	ConcurrencyLimit       *int   `mapstructure:"concurrency_limit" yaml:"concurrency_limit,omitempty"`
}

func (c *S3Config) Kind() string { return "s3" }

func (c *S3Config) concurrencyLimit() int {
	return limitOrDefault(c.ConcurrencyLimit, DefaultS3ConcurrencyLimit)
}

func (c *S3Config) keyPrefix() string { return c.PrefixInBucket }

func (c *S3Config) maxKeysPerList() int { return c.MaxKeysPerListResponse }

func (c *S3Config) validate() error {
	if c.BucketName == "" {
		return errors.New("s3: bucket_name is required")
	}
	if c.BucketRegion == "" && c.Endpoint == "" {
		return errors.New("s3: bucket_region or endpoint is required")
	}
	return validateCommon(c.ConcurrencyLimit, c.MaxKeysPerListResponse)
}

type GCSConfig struct {
	BucketName             string `mapstructure:"bucket_name" yaml:"bucket_name"`
	PrefixInBucket         string `mapstructure:"prefix_in_bucket" yaml:"prefix_in_bucket,omitempty"`
	MaxKeysPerListResponse int    `mapstructure:"max_keys_per_list_response" yaml:"max_keys_per_list_response,omitempty"`
	ConcurrencyLimit       *int   `mapstructure:"concurrency_limit" yaml:"concurrency_limit,omitempty"`
	// Endpoint overrides the storage API endpoint, e.g. for an emulator.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// CredentialsFile is a service account key. When empty the application
	// default credentials are used.
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file,omitempty"`
	// AccessToken is a static OAuth2 bearer token, used instead of
	// CredentialsFile when set.
	AccessToken string `mapstructure:"access_token" yaml:"-"`
	// Anonymous disables authentication entirely.
	Anonymous bool `mapstructure:"anonymous" yaml:"anonymous,omitempty"`
}

func (c *GCSConfig) Kind() string { return "gcs" }

func (c *GCSConfig) concurrencyLimit() int {
	return limitOrDefault(c.ConcurrencyLimit, DefaultGCSConcurrencyLimit)
}

func (c *GCSConfig) keyPrefix() string { return c.PrefixInBucket }

func (c *GCSConfig) maxKeysPerList() int { return c.MaxKeysPerListResponse }

func (c *GCSConfig) validate() error {
	if c.BucketName == "" {
		return errors.New("gcs: bucket_name is required")
	}
	return validateCommon(c.ConcurrencyLimit, c.MaxKeysPerListResponse)
}

type AzureConfig struct {
	ContainerName          string `mapstructure:"container_name" yaml:"container_name"`
	StorageAccount         string `mapstructure:"storage_account" yaml:"storage_account,omitempty"`
	ContainerRegion        string `mapstructure:"container_region" yaml:"container_region,omitempty"`
	PrefixInContainer      string `mapstructure:"prefix_in_container" yaml:"prefix_in_container,omitempty"`
	AccountKey             string `mapstructure:"account_key" yaml:"-"`
	ConnectionString       string `mapstructure:"connection_string" yaml:"-"`
	Endpoint               string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	MaxKeysPerListResponse int    `mapstructure:"max_keys_per_list_response" yaml:"max_keys_per_list_response,omitempty"`
	ConcurrencyLimit       *int   `mapstructure:"concurrency_limit" yaml:"concurrency_limit,omitempty"`
}

func (c *AzureConfig) Kind() string { return "azure" }

func (c *AzureConfig) concurrencyLimit() int {
	return limitOrDefault(c.ConcurrencyLimit, DefaultAzureConcurrencyLimit)
}

func (c *AzureConfig) keyPrefix() string { return c.PrefixInContainer }

func (c *AzureConfig) maxKeysPerList() int { return c.MaxKeysPerListResponse }

func (c *AzureConfig) validate() error {
	if c.ContainerName == "" {
		return errors.New("azure: container_name is required")
	}
	if c.ConnectionString == "" && c.StorageAccount == "" && c.Endpoint == "" {
		return errors.New("azure: storage_account, endpoint or connection_string is required")
	}
	return validateCommon(c.ConcurrencyLimit, c.MaxKeysPerListResponse)
}

// LocalFsConfig stores objects as files below Root. It exists to run the
// client without network access.
type LocalFsConfig struct {
	Root                   string `mapstructure:"root" yaml:"root"`
	Prefix                 string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	MaxKeysPerListResponse int    `mapstructure:"max_keys_per_list_response" yaml:"max_keys_per_list_response,omitempty"`
	ConcurrencyLimit       *int   `mapstructure:"concurrency_limit" yaml:"concurrency_limit,omitempty"`
}

func (c *LocalFsConfig) Kind() string { return "local" }

func (c *LocalFsConfig) concurrencyLimit() int {
	return limitOrDefault(c.ConcurrencyLimit, DefaultLocalConcurrencyLimit)
}

func (c *LocalFsConfig) keyPrefix() string { return c.Prefix }

func (c *LocalFsConfig) maxKeysPerList() int { return c.MaxKeysPerListResponse }

func (c *LocalFsConfig) validate() error {
	if c.Root == "" {
		return errors.New("local: root is required")
	}
	return validateCommon(c.ConcurrencyLimit, c.MaxKeysPerListResponse)
}

// Limit returns a pointer to n, for setting ConcurrencyLimit.
func Limit(n int) *int { return &n }

// limitOrDefault applies def when no limit is configured. A configured
// limit is used as is; validate rejects anything below one.
func limitOrDefault(limit *int, def int) int {
	if limit == nil {
		return def
	}
	return *limit
}

func validateCommon(concurrency *int, maxKeys int) error {
	if concurrency != nil && *concurrency <= 0 {
		return errors.Errorf("concurrency_limit must be positive, got %d", *concurrency)
	}
	if maxKeys < 0 {
		return errors.Errorf("max_keys_per_list_response must be positive, got %d", maxKeys)
	}
	return nil
}

// withDefaults fills unset timeouts.
func (c RemoteStorageConfig) withDefaults() RemoteStorageConfig {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SmallTimeout == 0 {
		c.SmallTimeout = DefaultSmallTimeout
	}
	return c
}

// Validate checks the configuration without contacting the backend.
func (c RemoteStorageConfig) Validate() error {
	if c.Storage == nil {
		return errors.Wrap(ErrInitialization, "no storage backend configured")
	}
	if c.Timeout < 0 || c.SmallTimeout < 0 {
		return errors.Wrap(ErrInitialization, "timeouts must not be negative")
	}
	if c.RequestRateLimit < 0 {
		return errors.Wrap(ErrInitialization, "request_rate_limit must not be negative")
	}
	if err := c.Storage.validate(); err != nil {
		return errors.Wrap(ErrInitialization, err.Error())
	}
	return nil
}
