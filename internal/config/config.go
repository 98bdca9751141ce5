package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config represents the main configuration for bv.
type Config struct {
	// Name identifies the backup. It selects the index file and is the
	// default remote volume prefix.
	Name       string           `toml:"name"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Sources    []string         `toml:"sources"`
	Backend    BackendConfig    `toml:"backend"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
	Staging    StagingConfig    `toml:"staging"`
	Filesystem FilesystemConfig `toml:"filesystem"`
	Engine     EngineConfig     `toml:"engine"`
	Transfer   TransferConfig   `toml:"transfer"`
}

// EncryptionConfig holds paths to the age key pair used for encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default), "test" or "none"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// BackendConfig represents configuration for the remote storage transport.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BackendConfig struct {
	Type string `toml:"type"` // "memory", "filesystem", "s3" or "gcs"

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
	// Static credentials. When empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
	// S3LockMode is GOVERNANCE or COMPLIANCE. Defaults to GOVERNANCE.
	S3LockMode string `toml:"s3_lock_mode,omitempty"`

	// GCS-specific fields (only used when Type == "gcs")
	GCSBucket          string `toml:"gcs_bucket,omitempty"`
	GCSPrefix          string `toml:"gcs_prefix,omitempty"`
	GCSCredentialsFile string `toml:"gcs_credentials_file,omitempty"`
}

// DatabaseConfig represents configuration for the local index.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StagingConfig represents configuration for the staging area.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StagingConfig struct {
	Type       string `toml:"type"`                  // "memory" or "filesystem"
	StagingDir string `toml:"staging_dir,omitempty"` // only used for type=filesystem
	MaxSize    int64  `toml:"max_size,omitempty"`    // total bytes, 0 means unlimited
}

// EngineConfig holds the backup format and maintenance settings.
type EngineConfig struct {
	Prefix     string `toml:"prefix"`
	BlockSize  int64  `toml:"block_size"`
	BlockHash  string `toml:"block_hash"`
	FileHash   string `toml:"file_hash"`
	VolumeSize int64  `toml:"volume_size"`

	CompactThreshold  int   `toml:"compact_threshold"` // percent
	SmallFileSize     int64 `toml:"small_file_size,omitempty"`
	SmallFileMaxCount int   `toml:"small_file_max_count"`
	NoAutoCompact     bool  `toml:"no_auto_compact"`

	KeepVersions     int    `toml:"keep_versions,omitempty"`
	KeepTime         string `toml:"keep_time,omitempty"`
	RetentionPolicy  string `toml:"retention_policy,omitempty"`
	AllowFullRemoval bool   `toml:"allow_full_removal"`
}

// TransferConfig holds remote transfer settings.
type TransferConfig struct {
	Concurrency        int    `toml:"concurrency"`
	Retries            int    `toml:"retries"`
	RetryDelay         string `toml:"retry_delay"`
	ObjectLockDuration string `toml:"object_lock_duration,omitempty"`
}

// RetryDelayDuration parses RetryDelay. An empty value means no delay.
func (t TransferConfig) RetryDelayDuration() (time.Duration, error) {
	return parseDuration("retry_delay", t.RetryDelay)
}

// ObjectLockDurationValue parses ObjectLockDuration. An empty value disables locking.
func (t TransferConfig) ObjectLockDurationValue() (time.Duration, error) {
	return parseDuration("object_lock_duration", t.ObjectLockDuration)
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

// NewConfig creates a new Config with the provided values, default key
// paths and default engine settings.
func NewConfig(name, baseDir string) *Config {
	return &Config{
		Name:    name,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "bv.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "bv.key"),
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Staging:  StagingConfig{Type: "filesystem", StagingDir: filepath.Join(baseDir, "staging")},
		Engine: EngineConfig{
			Prefix:            "bv",
			BlockSize:         1 << 20,
			BlockHash:         "SHA256",
			FileHash:          "SHA256",
			VolumeSize:        50 << 20,
			CompactThreshold:  25,
			SmallFileMaxCount: 20,
		},
		Transfer: TransferConfig{
			Concurrency: 4,
			Retries:     5,
			RetryDelay:  "10s",
		},
	}
}
