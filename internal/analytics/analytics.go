package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"beehive-anomaly-service/internal/models"
)

// EventSource источник истории событий улья
type EventSource interface {
	QueryEvents(ctx context.Context, hiveID string) ([]models.HiveEvent, error)
}

// ResultSink получатель результатов детекции
type ResultSink interface {
	SaveResult(ctx context.Context, hiveID string, r models.AnomalyResult) error
}

// ModelStore хранилище снимков моделей потоков
type ModelStore interface {
	SaveModel(ctx context.Context, hiveID string, data []byte) error
	// LoadModel возвращает models.ErrModelNotFound, если снимка нет
	LoadModel(ctx context.Context, hiveID string) ([]byte, error)
}

// Recorder канал метрик и алертов: одно событие на каждый результат
type Recorder interface {
	RecordResult(r models.AnomalyResult, latency time.Duration)
}

// Options параметры анализатора
type Options struct {
	Config     Config
	BufferSize int
	// SnapshotInterval количество точек между снимками модели, 0 отключает снимки
	SnapshotInterval int64
	Source           EventSource
	Sinks            []ResultSink
	Models           ModelStore
	Recorder         Recorder
}

type stream struct {
	mu            sync.Mutex
	detector      *Detector
	sinceSnapshot int64
}

// Analyzer ведет модели потоков всех ульев. События одного улья всегда
// обрабатываются одним воркером, поэтому их порядок сохраняется
type Analyzer struct {
	opts        Options
	mu          sync.RWMutex
	streams     map[string]*stream
	resultsChan chan models.AnomalyResult
	wg          sync.WaitGroup

	// runMu защищает очереди воркеров. Воркеры его не берут, поэтому
	// Stop дожидается заблокированных отправителей, пока очереди разгребаются
	runMu   sync.RWMutex
	shards  []chan models.HiveEvent
	stopped bool
}

// ErrNotRunning воркеры не запущены или уже остановлены
var ErrNotRunning = errors.New("analytics: analyzer is not running")

// NewAnalyzer создает новый анализатор
func NewAnalyzer(opts Options) (*Analyzer, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.SnapshotInterval < 0 {
		return nil, fmt.Errorf("%w: snapshot interval must not be negative", models.ErrConfiguration)
	}
	return &Analyzer{
		opts:        opts,
		streams:     make(map[string]*stream),
		resultsChan: make(chan models.AnomalyResult, opts.BufferSize),
	}, nil
}

// Start запускает воркеры, каждый со своей очередью
func (a *Analyzer) Start(numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.stopped || len(a.shards) > 0 {
		return
	}
	a.shards = make([]chan models.HiveEvent, numWorkers)
	for i := range a.shards {
		a.shards[i] = make(chan models.HiveEvent, a.opts.BufferSize)
		a.wg.Add(1)
		go a.worker(a.shards[i])
	}
	log.Info().Int("workers", numWorkers).Msg("analyzer started")
}

// worker горутина для обработки событий своей очереди.
// Завершается, когда очередь закрыта и разобрана
func (a *Analyzer) worker(events <-chan models.HiveEvent) {
	defer a.wg.Done()
	for ev := range events {
		result, err := a.AnalyzeSync(context.Background(), ev)
		if err != nil {
			log.Error().Err(err).Str("hive_id", ev.HiveID).Str("date_time", ev.DateTime).Msg("failed to score event")
			continue
		}
		select {
		case a.resultsChan <- result:
		default:
			// Канал результатов переполнен, пропускаем
		}
	}
}

// Submit ставит событие в очередь воркера его улья. Если очередь полна,
// ждет места или отмены ctx. До Start и после Stop возвращает ErrNotRunning;
// после Stop ошибка возвращается только когда очереди разобраны, так что
// вызывающий может обработать событие через AnalyzeSync без нарушения порядка
func (a *Analyzer) Submit(ctx context.Context, ev models.HiveEvent) error {
	a.runMu.RLock()
	if a.stopped || len(a.shards) == 0 {
		stopped := a.stopped
		a.runMu.RUnlock()
		if stopped {
			a.wg.Wait()
		}
		return ErrNotRunning
	}
	defer a.runMu.RUnlock()

	ch := a.shards[xxhash.Sum64String(ev.HiveID)%uint64(len(a.shards))]
	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AnalyzeSync синхронно оценивает событие моделью его улья
func (a *Analyzer) AnalyzeSync(ctx context.Context, ev models.HiveEvent) (models.AnomalyResult, error) {
	if ev.HiveID == "" {
		return models.AnomalyResult{}, fmt.Errorf("%w: event has no hive id", models.ErrParse)
	}
	reading, err := ev.Reading()
	if err != nil {
		return models.AnomalyResult{}, err
	}
	s, err := a.stream(ctx, ev.HiveID)
	if err != nil {
		return models.AnomalyResult{}, err
	}

	start := time.Now()
	var snapshot *DetectorState
	result, err := func() (models.AnomalyResult, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		result, err := s.detector.Process(reading)
		if err != nil {
			return result, err
		}
		s.sinceSnapshot++
		if a.opts.Models != nil && a.opts.SnapshotInterval > 0 && s.sinceSnapshot >= a.opts.SnapshotInterval {
			snapshot = s.detector.Snapshot()
			s.sinceSnapshot = 0
		}
		return result, nil
	}()
	if err != nil {
		return models.AnomalyResult{}, err
	}

	result.HiveID = ev.HiveID
	a.publish(ctx, result, time.Since(start))
	if snapshot != nil {
		if err := a.saveSnapshot(ctx, ev.HiveID, snapshot); err != nil {
			log.Error().Err(err).Str("hive_id", ev.HiveID).Msg("failed to save model snapshot")
		}
	}
	return result, nil
}

// DetectHive заново обучает модель на всей истории улья и оценивает каждое событие.
// Живая модель улья не затрагивается
func (a *Analyzer) DetectHive(ctx context.Context, hiveID string) ([]models.AnomalyResult, error) {
	if a.opts.Source == nil {
		return nil, fmt.Errorf("%w: event source is not configured", models.ErrConfiguration)
	}
	events, err := a.opts.Source.QueryEvents(ctx, hiveID)
	if err != nil {
		return nil, fmt.Errorf("query events for hive %s: %w", hiveID, err)
	}

	detector, err := NewDetector(a.opts.Config)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results, err := detector.ProcessEvents(hiveID, events)
	var latency time.Duration
	if len(results) > 0 {
		latency = time.Since(start) / time.Duration(len(results))
	}
	for _, r := range results {
		a.publish(ctx, r, latency)
	}

	log.Info().
		Str("hive_id", hiveID).
		Int("events", len(events)).
		Int("scored", len(results)).
		Dur("duration", time.Since(start)).
		Msg("hive detection finished")
	return results, err
}

// publish раздает результат получателям и метрикам
func (a *Analyzer) publish(ctx context.Context, r models.AnomalyResult, latency time.Duration) {
	for _, sink := range a.opts.Sinks {
		if err := sink.SaveResult(ctx, r.HiveID, r); err != nil {
			log.Error().Err(err).Str("hive_id", r.HiveID).Str("date_time", r.DateTime).Msg("failed to save result")
		}
	}
	if a.opts.Recorder != nil {
		a.opts.Recorder.RecordResult(r, latency)
	}
	if r.IsEventAnomalous {
		log.Warn().
			Str("hive_id", r.HiveID).
			Str("date_time", r.DateTime).
			Float64("weight", r.Weight).
			Float64("score", r.AnomalyScore).
			Float64("grade", r.AnomalyGrade).
			Msg("anomaly detected")
	}
}

// stream возвращает модель улья, при первом обращении восстанавливая ее из хранилища
func (a *Analyzer) stream(ctx context.Context, hiveID string) (*stream, error) {
	a.mu.RLock()
	s, ok := a.streams[hiveID]
	a.mu.RUnlock()
	if ok {
		return s, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.streams[hiveID]; ok {
		return s, nil
	}
	detector, err := a.loadDetector(ctx, hiveID)
	if err != nil {
		return nil, err
	}
	s = &stream{detector: detector}
	a.streams[hiveID] = s
	return s, nil
}

func (a *Analyzer) loadDetector(ctx context.Context, hiveID string) (*Detector, error) {
	if a.opts.Models == nil {
		return NewDetector(a.opts.Config)
	}

	data, err := a.opts.Models.LoadModel(ctx, hiveID)
	if errors.Is(err, models.ErrModelNotFound) {
		return NewDetector(a.opts.Config)
	}
	if err != nil {
		return nil, fmt.Errorf("load model for hive %s: %w", hiveID, err)
	}

	st, err := DecodeState(data)
	if err == nil && st.Config != a.opts.Config {
		err = fmt.Errorf("%w: snapshot was taken with a different configuration", models.ErrCorruptState)
	}
	var detector *Detector
	if err == nil {
		detector, err = RestoreDetector(st)
	}
	if err != nil {
		log.Warn().Err(err).Str("hive_id", hiveID).Msg("discarding model snapshot, starting fresh")
		return NewDetector(a.opts.Config)
	}

	log.Info().Str("hive_id", hiveID).Int64("processed", detector.Processed()).Msg("model restored")
	return detector, nil
}

func (a *Analyzer) saveSnapshot(ctx context.Context, hiveID string, st *DetectorState) error {
	data, err := EncodeState(st)
	if err != nil {
		return err
	}
	return a.opts.Models.SaveModel(ctx, hiveID, data)
}

// Flush сохраняет снимки всех живых моделей
func (a *Analyzer) Flush(ctx context.Context) error {
	if a.opts.Models == nil {
		return nil
	}

	a.mu.RLock()
	streams := make(map[string]*stream, len(a.streams))
	for id, s := range a.streams {
		streams[id] = s
	}
	a.mu.RUnlock()

	var errs []error
	for id, s := range streams {
		s.mu.Lock()
		st := s.detector.Snapshot()
		s.sinceSnapshot = 0
		s.mu.Unlock()
		if err := a.saveSnapshot(ctx, id, st); err != nil {
			errs = append(errs, fmt.Errorf("hive %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// GetResults возвращает канал результатов асинхронной обработки
func (a *Analyzer) GetResults() <-chan models.AnomalyResult {
	return a.resultsChan
}

// GetStats возвращает статистику живой модели улья
func (a *Analyzer) GetStats(hiveID string) (models.StreamStats, bool) {
	a.mu.RLock()
	s, ok := a.streams[hiveID]
	a.mu.RUnlock()
	if !ok {
		return models.StreamStats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detector.Stats(hiveID), true
}

// Hives возвращает отсортированный список ульев с живыми моделями
func (a *Analyzer) Hives() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.streams))
	for id := range a.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveStreams количество живых моделей
func (a *Analyzer) ActiveStreams() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.streams)
}

// Stop перестает принимать события, дожидается разбора всех очередей
// и закрывает канал результатов. Повторный вызов ничего не делает
func (a *Analyzer) Stop() {
	a.runMu.Lock()
	if a.stopped {
		a.runMu.Unlock()
		return
	}
	a.stopped = true
	for _, ch := range a.shards {
		close(ch)
	}
	a.runMu.Unlock()

	a.wg.Wait()
	close(a.resultsChan)
}
