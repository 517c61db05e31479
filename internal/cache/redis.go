// Package cache реализует кэширование результатов детекции и снимков моделей в Redis
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"beehive-anomaly-service/internal/models"
)

const (
	// ResultKeyPrefix префикс для ключей результатов
	ResultKeyPrefix = "result:"
	// LatestResultsPrefix префикс списков последних результатов улья
	LatestResultsPrefix = "results:latest:"
	// ModelKeyPrefix префикс для снимков моделей
	ModelKeyPrefix = "model:"
	// EventsCounterKey счетчик принятых событий
	EventsCounterKey = "stats:events"
	// ResultsCounterKey счетчик результатов
	ResultsCounterKey = "stats:results"
	// AnomaliesCounterKey счетчик аномалий
	AnomaliesCounterKey = "stats:anomalies"
	// DefaultResultTTL время жизни результата
	DefaultResultTTL = 24 * time.Hour
	// LatestResultsLimit длина списка последних результатов улья
	LatestResultsLimit = 1000
)

// Options параметры подключения
type Options struct {
	Addr      string
	Password  string
	DB        int
	ResultTTL time.Duration
}

// RedisCache реализует кэширование в Redis. Все команды проходят через
// circuit breaker, чтобы недоступный Redis не тормозил детекцию
type RedisCache struct {
	client    *redis.Client
	breaker   *gobreaker.CircuitBreaker
	resultTTL time.Duration
}

// NewRedisCache создает новое подключение к Redis
func NewRedisCache(ctx context.Context, opts Options) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisCacheWithClient(client, opts.ResultTTL), nil
}

// NewRedisCacheWithClient оборачивает готовый клиент
func NewRedisCacheWithClient(client *redis.Client, resultTTL time.Duration) *RedisCache {
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	st := gobreaker.Settings{
		Name:     "redis",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
	}
	return &RedisCache{
		client:    client,
		breaker:   gobreaker.NewCircuitBreaker(st),
		resultTTL: resultTTL,
	}
}

func (r *RedisCache) do(fn func() error) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// ResultKey ключ результата улья
func ResultKey(hiveID string, ts time.Time) string {
	return fmt.Sprintf("%s%s:%d", ResultKeyPrefix, hiveID, ts.UnixNano())
}

// LatestResultsKey ключ списка последних результатов улья
func LatestResultsKey(hiveID string) string {
	return LatestResultsPrefix + hiveID
}

// ModelKey ключ снимка модели улья
func ModelKey(hiveID string) string {
	return ModelKeyPrefix + hiveID
}

// SaveResult сохраняет результат детекции. Повторная запись результата
// с той же меткой времени ничего не меняет
func (r *RedisCache) SaveResult(ctx context.Context, hiveID string, result models.AnomalyResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return r.do(func() error {
		created, err := r.client.SetNX(ctx, ResultKey(hiveID, result.Timestamp), data, r.resultTTL).Result()
		if err != nil {
			return fmt.Errorf("failed to store result: %w", err)
		}
		if !created {
			return nil
		}

		latest := LatestResultsKey(hiveID)
		pipe := r.client.Pipeline()
		pipe.LPush(ctx, latest, data)
		pipe.LTrim(ctx, latest, 0, LatestResultsLimit-1) // Храним последние 1000 результатов
		pipe.Incr(ctx, ResultsCounterKey)
		if result.IsEventAnomalous {
			pipe.Incr(ctx, AnomaliesCounterKey)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to cache result: %w", err)
		}
		return nil
	})
}

// LatestResults возвращает последние count результатов улья, новые первыми
func (r *RedisCache) LatestResults(ctx context.Context, hiveID string, count int64) ([]models.AnomalyResult, error) {
	var data []string
	err := r.do(func() error {
		var err error
		data, err = r.client.LRange(ctx, LatestResultsKey(hiveID), 0, count-1).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get latest results: %w", err)
	}

	results := make([]models.AnomalyResult, 0, len(data))
	for _, d := range data {
		var res models.AnomalyResult
		if err := json.Unmarshal([]byte(d), &res); err != nil {
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// SaveModel сохраняет снимок модели без TTL
func (r *RedisCache) SaveModel(ctx context.Context, hiveID string, data []byte) error {
	return r.do(func() error {
		if err := r.client.Set(ctx, ModelKey(hiveID), data, 0).Err(); err != nil {
			return fmt.Errorf("failed to save model: %w", err)
		}
		return nil
	})
}

// LoadModel загружает снимок модели
func (r *RedisCache) LoadModel(ctx context.Context, hiveID string) ([]byte, error) {
	var data []byte
	err := r.do(func() error {
		var err error
		data, err = r.client.Get(ctx, ModelKey(hiveID)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	return data, nil
}

// IncrementCounter увеличивает счетчик
func (r *RedisCache) IncrementCounter(ctx context.Context, key string) (int64, error) {
	var val int64
	err := r.do(func() error {
		var err error
		val, err = r.client.Incr(ctx, key).Result()
		return err
	})
	return val, err
}

// GetCounter возвращает значение счетчика
func (r *RedisCache) GetCounter(ctx context.Context, key string) (int64, error) {
	var val int64
	err := r.do(func() error {
		var err error
		val, err = r.client.Get(ctx, key).Int64()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// Ping проверяет соединение с Redis
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает соединение
func (r *RedisCache) Close() error {
	return r.client.Close()
}
