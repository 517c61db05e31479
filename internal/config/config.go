// Package config загружает конфигурацию сервиса из algorithm.properties
// и переменных окружения BEEHIVE_*
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"beehive-anomaly-service/internal/analytics"
	"beehive-anomaly-service/internal/models"
	"beehive-anomaly-service/internal/rcf"
	"beehive-anomaly-service/internal/storage"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "BEEHIVE"

// Хранилища снимков моделей
const (
	ModelStoreNone  = "none"
	ModelStoreRedis = "redis"
	ModelStoreS3    = "s3"
)

// ServerConfig параметры HTTP сервера
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// RedisConfig параметры Redis
type RedisConfig struct {
	Enabled   bool
	Addr      string
	Password  string
	DB        int
	ResultTTL time.Duration
}

// LogConfig параметры логирования
type LogConfig struct {
	Level  string
	Format string
}

// Config содержит конфигурацию сервиса
type Config struct {
	Server           ServerConfig
	Redis            RedisConfig
	SQLitePath       string
	ModelStore       string
	S3               storage.S3Config
	SnapshotInterval int64
	WorkerCount      int
	BufferSize       int
	Log              LogConfig
	Detector         analytics.Config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read.timeout", "15s")
	v.SetDefault("server.write.timeout", "60s")
	v.SetDefault("server.idle.timeout", "60s")
	v.SetDefault("server.shutdown.timeout", "30s")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.result.ttl", "24h")

	v.SetDefault("sqlite.path", "beehive.db")
	v.SetDefault("model.store", ModelStoreRedis)
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access.key.id", "")
	v.SetDefault("s3.secret.access.key", "")
	v.SetDefault("s3.use.path.style", false)

	v.SetDefault("snapshot.interval", 100)
	v.SetDefault("worker.count", runtime.NumCPU())
	v.SetDefault("buffer.size", 10000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("number.of.trees", rcf.DefaultNumberOfTrees)
	v.SetDefault("tree.capacity", rcf.DefaultTreeCapacity)
	v.SetDefault("dimensions", 1)
	v.SetDefault("number.of.measurements.per.day", analytics.DefaultShingleSize)
	v.SetDefault("random.seed", 42)
	v.SetDefault("anomaly.grade.anomalous.event.cutoff", analytics.DefaultGradeCutoff)
	v.SetDefault("anomaly.score.anomalous.event.cutoff", analytics.DefaultScoreCutoff)
	v.SetDefault("ewma.weight", analytics.DefaultEWMAWeight)
	v.SetDefault("threshold.deviation.multiplier", analytics.DefaultDeviationMultiplier)
	v.SetDefault("threshold.saturation.multiplier", analytics.DefaultSaturationMultiplier)
	v.SetDefault("threshold.min.observations", analytics.DefaultMinObservations)
}

// Load читает файл свойств (пустой путь допустим) и переменные окружения
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("properties")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) Config {
	raw := v.GetInt("dimensions")
	shingle := v.GetInt("number.of.measurements.per.day")
	if v.IsSet("shingle.size") {
		shingle = v.GetInt("shingle.size")
	}
	dims := raw * shingle
	if v.IsSet("forest.dimensions") {
		dims = v.GetInt("forest.dimensions")
	}

	return Config{
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			ReadTimeout:     v.GetDuration("server.read.timeout"),
			WriteTimeout:    v.GetDuration("server.write.timeout"),
			IdleTimeout:     v.GetDuration("server.idle.timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown.timeout"),
		},
		Redis: RedisConfig{
			Enabled:   v.GetBool("redis.enabled"),
			Addr:      v.GetString("redis.addr"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			ResultTTL: v.GetDuration("redis.result.ttl"),
		},
		SQLitePath: v.GetString("sqlite.path"),
		ModelStore: strings.ToLower(v.GetString("model.store")),
		S3: storage.S3Config{
			Bucket:          v.GetString("s3.bucket"),
			Prefix:          v.GetString("s3.prefix"),
			Region:          v.GetString("s3.region"),
			Endpoint:        v.GetString("s3.endpoint"),
			AccessKeyID:     v.GetString("s3.access.key.id"),
			SecretAccessKey: v.GetString("s3.secret.access.key"),
			UsePathStyle:    v.GetBool("s3.use.path.style"),
		},
		SnapshotInterval: v.GetInt64("snapshot.interval"),
		WorkerCount:      v.GetInt("worker.count"),
		BufferSize:       v.GetInt("buffer.size"),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Detector: analytics.Config{
			Forest: rcf.Config{
				Dimensions:    dims,
				RawDimensions: raw,
				ShingleSize:   shingle,
				NumberOfTrees: v.GetInt("number.of.trees"),
				TreeCapacity:  v.GetInt("tree.capacity"),
				Seed:          v.GetUint64("random.seed"),
			},
			Threshold: analytics.ThresholdConfig{
				GradeCutoff:          v.GetFloat64("anomaly.grade.anomalous.event.cutoff"),
				ScoreCutoff:          v.GetFloat64("anomaly.score.anomalous.event.cutoff"),
				Weight:               v.GetFloat64("ewma.weight"),
				DeviationMultiplier:  v.GetFloat64("threshold.deviation.multiplier"),
				SaturationMultiplier: v.GetFloat64("threshold.saturation.multiplier"),
				MinObservations:      v.GetInt64("threshold.min.observations"),
			},
		},
	}
}

// Validate проверяет конфигурацию до запуска сервиса
func (c Config) Validate() error {
	if err := c.Detector.Validate(); err != nil {
		return err
	}
	switch c.ModelStore {
	case ModelStoreNone, ModelStoreRedis:
	case ModelStoreS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("%w: model.store=s3 requires s3.bucket", models.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown model.store %q", models.ErrConfiguration, c.ModelStore)
	}
	if c.ModelStore == ModelStoreRedis && !c.Redis.Enabled {
		return fmt.Errorf("%w: model.store=redis requires redis.enabled", models.ErrConfiguration)
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("%w: sqlite.path is required", models.ErrConfiguration)
	}
	if c.SnapshotInterval < 0 {
		return fmt.Errorf("%w: snapshot.interval must not be negative", models.ErrConfiguration)
	}
	if c.WorkerCount <= 0 || c.BufferSize <= 0 {
		return fmt.Errorf("%w: worker.count and buffer.size must be positive", models.ErrConfiguration)
	}
	return nil
}
