package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type latencyKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	latency  map[latencyKey]*histogram
}

var httpCollector = &collector{
	requests: make(map[requestKey]uint64),
	latency:  make(map[latencyKey]*histogram),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.observe(handler, method, status, duration)
}

func (c *collector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

type pipelineCollector struct {
	mu               sync.Mutex
	mentionsReceived uint64
	mentionsDiscard  map[string]uint64
	paymentsVerified uint64
	paymentsRejected map[string]uint64
	workerTimeouts   uint64
	fallbackSends    uint64
	reasoningFaults  uint64
}

var pipeline = &pipelineCollector{
	mentionsDiscard:  make(map[string]uint64),
	paymentsRejected: make(map[string]uint64),
}

// IncMentionReceived counts an inbound mention handed to the router.
func IncMentionReceived() {
	pipeline.mu.Lock()
	pipeline.mentionsReceived++
	pipeline.mu.Unlock()
}

// IncMentionDiscarded counts a mention discarded by the router.
func IncMentionDiscarded(reason string) {
	pipeline.mu.Lock()
	pipeline.mentionsDiscard[reason]++
	pipeline.mu.Unlock()
}

// IncPaymentVerified counts a payment that passed on-chain verification.
func IncPaymentVerified() {
	pipeline.mu.Lock()
	pipeline.paymentsVerified++
	pipeline.mu.Unlock()
}

// IncPaymentRejected counts a payment that failed verification, by error code.
func IncPaymentRejected(code string) {
	pipeline.mu.Lock()
	pipeline.paymentsRejected[code]++
	pipeline.mu.Unlock()
}

// IncWorkerTimeout counts a reasoning invocation cut off by the hard timeout.
func IncWorkerTimeout() {
	pipeline.mu.Lock()
	pipeline.workerTimeouts++
	pipeline.mu.Unlock()
}

// IncFallbackSend counts a reply delivered through the fallback path.
func IncFallbackSend() {
	pipeline.mu.Lock()
	pipeline.fallbackSends++
	pipeline.mu.Unlock()
}

// IncReasoningFault counts a reasoning invocation that returned an error.
func IncReasoningFault() {
	pipeline.mu.Lock()
	pipeline.reasoningFaults++
	pipeline.mu.Unlock()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, pipeline.render())
		_, _ = fmt.Fprint(w, httpCollector.render())
	})
}

func (p *pipelineCollector) render() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP pardon_mentions_received_total Total number of mentions handed to the router.\n")
	builder.WriteString("# TYPE pardon_mentions_received_total counter\n")
	builder.WriteString(fmt.Sprintf("pardon_mentions_received_total %d\n", p.mentionsReceived))

	builder.WriteString("# HELP pardon_mentions_discarded_total Total number of mentions discarded by the router.\n")
	builder.WriteString("# TYPE pardon_mentions_discarded_total counter\n")
	for _, reason := range sortedKeys(p.mentionsDiscard) {
		builder.WriteString(fmt.Sprintf("pardon_mentions_discarded_total{reason=\"%s\"} %d\n",
			escape(reason), p.mentionsDiscard[reason]))
	}

	builder.WriteString("# HELP pardon_payments_verified_total Total number of payments that passed verification.\n")
	builder.WriteString("# TYPE pardon_payments_verified_total counter\n")
	builder.WriteString(fmt.Sprintf("pardon_payments_verified_total %d\n", p.paymentsVerified))

	builder.WriteString("# HELP pardon_payments_rejected_total Total number of payments that failed verification.\n")
	builder.WriteString("# TYPE pardon_payments_rejected_total counter\n")
	for _, code := range sortedKeys(p.paymentsRejected) {
		builder.WriteString(fmt.Sprintf("pardon_payments_rejected_total{code=\"%s\"} %d\n",
			escape(code), p.paymentsRejected[code]))
	}

	builder.WriteString("# HELP pardon_worker_timeouts_total Total number of reasoning invocations cut off by the hard timeout.\n")
	builder.WriteString("# TYPE pardon_worker_timeouts_total counter\n")
	builder.WriteString(fmt.Sprintf("pardon_worker_timeouts_total %d\n", p.workerTimeouts))

	builder.WriteString("# HELP pardon_fallback_sends_total Total number of replies delivered through the fallback path.\n")
	builder.WriteString("# TYPE pardon_fallback_sends_total counter\n")
	builder.WriteString(fmt.Sprintf("pardon_fallback_sends_total %d\n", p.fallbackSends))

	builder.WriteString("# HELP pardon_reasoning_faults_total Total number of reasoning invocations that returned an error.\n")
	builder.WriteString("# TYPE pardon_reasoning_faults_total counter\n")
	builder.WriteString(fmt.Sprintf("pardon_reasoning_faults_total %d\n", p.reasoningFaults))

	return builder.String()
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type requestMetric struct {
		requestKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].handler == lats[j].handler {
			return lats[i].method < lats[j].method
		}
		return lats[i].handler < lats[j].handler
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP pardon_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE pardon_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("pardon_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP pardon_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE pardon_http_request_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("pardon_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				escape(metric.handler), escape(metric.method), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("pardon_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
		builder.WriteString(fmt.Sprintf("pardon_http_request_duration_seconds_sum{handler=\"%s\",method=\"%s\"} %s\n",
			escape(metric.handler), escape(metric.method), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("pardon_http_request_duration_seconds_count{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
