// Package metrics 提供 RAG 引擎的业务指标收集与 Prometheus 导出。
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace 指标名前缀。
	Namespace = "sentinel"
	// Subsystem 指标子系统。
	Subsystem = "rag"
)

// Metrics RAG 引擎业务指标。所有方法可并发调用，nil 接收者为空操作。
type Metrics struct {
	// 查询
	queriesTotal  atomic.Uint64
	cacheHits     atomic.Uint64
	cacheMisses   atomic.Uint64
	queriesErrors atomic.Uint64

	// 检索
	retrievalTotal    atomic.Uint64
	retrievalErrors   atomic.Uint64
	retrievalNanos    atomic.Int64
	retrievalFiltered atomic.Uint64

	// 向量化
	embedBatches atomic.Uint64
	embedRetries atomic.Uint64
	embedErrors  atomic.Uint64

	// 生成
	llmCalls         atomic.Uint64
	llmErrors        atomic.Uint64
	llmNanos         atomic.Int64
	streamsStarted   atomic.Uint64
	streamsCancelled atomic.Uint64

	// 会话
	turnsTotal      atomic.Uint64
	turnsBusy       atomic.Uint64
	sessionsCreated atomic.Uint64
	sessionsEvicted atomic.Uint64

	// 索引
	documentsIndexed atomic.Uint64
	chunksIndexed    atomic.Uint64
	ingestWarnings   atomic.Uint64
	indexErrors      atomic.Uint64

	startTime time.Time

	registry         *prometheus.Registry
	queries          *prometheus.CounterVec
	retrievalSeconds prometheus.Histogram
	llmSeconds       *prometheus.HistogramVec

	gaugeMu sync.Mutex
	gauges  map[string]prometheus.Collector
}

// New 创建指标实例，并在独立的 Registry 中注册全部指标。
func New() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		gauges:    make(map[string]prometheus.Collector),
	}
	factory := promauto.With(m.registry)

	m.queries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      "queries_total",
		Help:      "Total number of stateless RAG queries by result.",
	}, []string{"result"})
	m.retrievalSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      "retrieval_duration_seconds",
		Help:      "Retrieval duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})
	m.llmSeconds = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      "llm_call_duration_seconds",
		Help:      "Generation call duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"status"})

	counter := func(name, help string, v *atomic.Uint64) {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: Subsystem, Name: name, Help: help,
		}, func() float64 { return float64(v.Load()) })
	}
	counter("retrieval_total", "Total number of retrievals.", &m.retrievalTotal)
	counter("retrieval_errors_total", "Number of failed retrievals.", &m.retrievalErrors)
	counter("retrieval_filtered_total", "Candidates removed by metadata filters.", &m.retrievalFiltered)
	counter("embedding_batches_total", "Embedding batches sent to the provider.", &m.embedBatches)
	counter("embedding_retries_total", "Embedding batch retries.", &m.embedRetries)
	counter("embedding_errors_total", "Embedding batches that failed after retries.", &m.embedErrors)
	counter("streams_started_total", "Streaming answers started.", &m.streamsStarted)
	counter("streams_cancelled_total", "Streaming answers cancelled by the consumer.", &m.streamsCancelled)
	counter("turns_total", "Conversation turns received.", &m.turnsTotal)
	counter("turns_busy_total", "Turns rejected because the session was busy.", &m.turnsBusy)
	counter("sessions_created_total", "Sessions created.", &m.sessionsCreated)
	counter("sessions_evicted_total", "Sessions evicted for inactivity.", &m.sessionsEvicted)
	counter("documents_indexed_total", "Total documents indexed.", &m.documentsIndexed)
	counter("chunks_indexed_total", "Total chunks indexed.", &m.chunksIndexed)
	counter("ingest_warnings_total", "Source files skipped during ingestion.", &m.ingestWarnings)
	counter("index_errors_total", "Number of failed index builds.", &m.indexErrors)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: Subsystem,
		Name: "cache_hit_rate", Help: "Query cache hit rate (0-1).",
	}, func() float64 { return m.Snapshot().Queries.CacheHitRate })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: Subsystem,
		Name: "uptime_seconds", Help: "Service uptime in seconds.",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	m.registry.MustRegister(collectors.NewGoCollector())
	return m
}

// RecordQuery 记录一次无状态查询。
func (m *Metrics) RecordQuery(cacheHit bool, err error) {
	if m == nil {
		return
	}
	m.queriesTotal.Add(1)
	switch {
	case err != nil:
		m.queriesErrors.Add(1)
		m.queries.WithLabelValues("error").Inc()
	case cacheHit:
		m.cacheHits.Add(1)
		m.queries.WithLabelValues("hit").Inc()
	default:
		m.cacheMisses.Add(1)
		m.queries.WithLabelValues("miss").Inc()
	}
}

// RecordRetrieval 记录检索耗时；filtered 为被过滤条件剔除的候选数。
func (m *Metrics) RecordRetrieval(d time.Duration, filtered int, err error) {
	if m == nil {
		return
	}
	m.retrievalTotal.Add(1)
	if err != nil {
		m.retrievalErrors.Add(1)
		return
	}
	m.retrievalNanos.Add(int64(d))
	m.retrievalSeconds.Observe(d.Seconds())
	if filtered > 0 {
		m.retrievalFiltered.Add(uint64(filtered))
	}
}

// RecordEmbedBatch 记录一个向量化批次。
func (m *Metrics) RecordEmbedBatch(retries int, err error) {
	if m == nil {
		return
	}
	m.embedBatches.Add(1)
	if retries > 0 {
		m.embedRetries.Add(uint64(retries))
	}
	if err != nil {
		m.embedErrors.Add(1)
	}
}

// RecordLLMCall 记录一次生成调用。
func (m *Metrics) RecordLLMCall(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.llmCalls.Add(1)
	if err != nil {
		m.llmErrors.Add(1)
		m.llmSeconds.WithLabelValues("error").Observe(d.Seconds())
		return
	}
	m.llmNanos.Add(int64(d))
	m.llmSeconds.WithLabelValues("ok").Observe(d.Seconds())
}

// RecordStream 记录流式回答的开始或取消。
func (m *Metrics) RecordStream(cancelled bool) {
	if m == nil {
		return
	}
	if cancelled {
		m.streamsCancelled.Add(1)
		return
	}
	m.streamsStarted.Add(1)
}

// RecordTurn 记录一轮对话；busy 表示因会话忙被拒绝。
func (m *Metrics) RecordTurn(busy bool) {
	if m == nil {
		return
	}
	m.turnsTotal.Add(1)
	if busy {
		m.turnsBusy.Add(1)
	}
}

// RecordSessions 记录新建与淘汰的会话数。
func (m *Metrics) RecordSessions(created, evicted int) {
	if m == nil {
		return
	}
	if created > 0 {
		m.sessionsCreated.Add(uint64(created))
	}
	if evicted > 0 {
		m.sessionsEvicted.Add(uint64(evicted))
	}
}

// RecordIndexing 记录一次索引构建。
func (m *Metrics) RecordIndexing(documents, chunks, warnings int, err error) {
	if m == nil {
		return
	}
	if warnings > 0 {
		m.ingestWarnings.Add(uint64(warnings))
	}
	if err != nil {
		m.indexErrors.Add(1)
		return
	}
	m.documentsIndexed.Add(uint64(documents))
	m.chunksIndexed.Add(uint64(chunks))
}

// Snapshot 某一时刻的指标值。
type Snapshot struct {
	Queries   QueryStats     `json:"queries"`
	Retrieval RetrievalStats `json:"retrieval"`
	Embedding EmbeddingStats `json:"embedding"`
	LLM       LLMStats       `json:"llm"`
	Sessions  SessionStats   `json:"sessions"`
	Indexing  IndexingStats  `json:"indexing"`
	Uptime    float64        `json:"uptime_seconds"`
}

type QueryStats struct {
	Total        uint64  `json:"total"`
	CacheHits    uint64  `json:"cache_hits"`
	CacheMisses  uint64  `json:"cache_misses"`
	CacheHitRate float64 `json:"cache_hit_rate"`
	Errors       uint64  `json:"errors"`
}

type RetrievalStats struct {
	Total         uint64  `json:"total"`
	Errors        uint64  `json:"errors"`
	FilteredOut   uint64  `json:"filtered_out"`
	TotalDuration float64 `json:"total_duration_secs"`
	AvgDuration   float64 `json:"avg_duration_secs"`
}

type EmbeddingStats struct {
	Batches uint64 `json:"batches"`
	Retries uint64 `json:"retries"`
	Errors  uint64 `json:"errors"`
}

type LLMStats struct {
	Calls            uint64  `json:"calls_total"`
	Errors           uint64  `json:"errors"`
	TotalDuration    float64 `json:"total_duration_secs"`
	AvgDuration      float64 `json:"avg_duration_secs"`
	StreamsStarted   uint64  `json:"streams_started"`
	StreamsCancelled uint64  `json:"streams_cancelled"`
}

type SessionStats struct {
	Turns   uint64 `json:"turns"`
	Busy    uint64 `json:"busy_rejections"`
	Created uint64 `json:"created"`
	Evicted uint64 `json:"evicted"`
}

type IndexingStats struct {
	Documents uint64 `json:"documents_indexed"`
	Chunks    uint64 `json:"chunks_indexed"`
	Warnings  uint64 `json:"ingest_warnings"`
	Errors    uint64 `json:"errors"`
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// Snapshot 读取当前指标。
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	hits, misses := m.cacheHits.Load(), m.cacheMisses.Load()
	retrievals := m.retrievalTotal.Load() - m.retrievalErrors.Load()
	retrievalSecs := time.Duration(m.retrievalNanos.Load()).Seconds()
	calls := m.llmCalls.Load() - m.llmErrors.Load()
	llmSecs := time.Duration(m.llmNanos.Load()).Seconds()

	return Snapshot{
		Queries: QueryStats{
			Total:        m.queriesTotal.Load(),
			CacheHits:    hits,
			CacheMisses:  misses,
			CacheHitRate: ratio(float64(hits), float64(hits+misses)),
			Errors:       m.queriesErrors.Load(),
		},
		Retrieval: RetrievalStats{
			Total:         m.retrievalTotal.Load(),
			Errors:        m.retrievalErrors.Load(),
			FilteredOut:   m.retrievalFiltered.Load(),
			TotalDuration: retrievalSecs,
			AvgDuration:   ratio(retrievalSecs, float64(retrievals)),
		},
		Embedding: EmbeddingStats{
			Batches: m.embedBatches.Load(),
			Retries: m.embedRetries.Load(),
			Errors:  m.embedErrors.Load(),
		},
		LLM: LLMStats{
			Calls:            m.llmCalls.Load(),
			Errors:           m.llmErrors.Load(),
			TotalDuration:    llmSecs,
			AvgDuration:      ratio(llmSecs, float64(calls)),
			StreamsStarted:   m.streamsStarted.Load(),
			StreamsCancelled: m.streamsCancelled.Load(),
		},
		Sessions: SessionStats{
			Turns:   m.turnsTotal.Load(),
			Busy:    m.turnsBusy.Load(),
			Created: m.sessionsCreated.Load(),
			Evicted: m.sessionsEvicted.Load(),
		},
		Indexing: IndexingStats{
			Documents: m.documentsIndexed.Load(),
			Chunks:    m.chunksIndexed.Load(),
			Warnings:  m.ingestWarnings.Load(),
			Errors:    m.indexErrors.Load(),
		},
		Uptime: time.Since(m.startTime).Seconds(),
	}
}

// RegisterGauge 注册由调用方提供取值函数的 gauge，例如索引大小。
// 同名 gauge 再次注册时替换旧的取值函数。
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) error {
	if m == nil {
		return nil
	}
	m.gaugeMu.Lock()
	defer m.gaugeMu.Unlock()

	if old, ok := m.gauges[name]; ok {
		m.registry.Unregister(old)
	}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: Subsystem,
		Name:      name,
		Help:      help,
	}, fn)
	if err := m.registry.Register(g); err != nil {
		delete(m.gauges, name)
		return err
	}
	m.gauges[name] = g
	return nil
}

// Registry 返回指标所在的 Registry。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 Prometheus 抓取端点。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
