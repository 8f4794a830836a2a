package monitoring

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Handler exposes the aggregator in Prometheus text exposition format.
func Handler(agg *Aggregator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, render(agg))
	})
}

func render(agg *Aggregator) string {
	agg.mu.Lock()
	successful := agg.successful
	failed := agg.failed
	buckets := append([]float64(nil), agg.latency.buckets...)
	counts := append([]uint64(nil), agg.latency.counts...)
	sum := agg.latency.sum
	count := agg.latency.count
	type feeMetric struct {
		asset string
		chain string
		value string
	}
	fees := make([]feeMetric, 0, len(agg.fees))
	for key, value := range agg.fees {
		fees = append(fees, feeMetric{asset: key.asset, chain: string(key.chain), value: value.String()})
	}
	type codeMetric struct {
		code  string
		value uint64
	}
	codes := make([]codeMetric, 0, len(agg.byCode))
	for code, value := range agg.byCode {
		codes = append(codes, codeMetric{code: code, value: value})
	}
	agg.mu.Unlock()

	sort.Slice(fees, func(i, j int) bool {
		if fees[i].asset == fees[j].asset {
			return fees[i].chain < fees[j].chain
		}
		return fees[i].asset < fees[j].asset
	})
	sort.Slice(codes, func(i, j int) bool { return codes[i].code < codes[j].code })

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP ecash_transactions_total Total number of transaction requests processed.\n")
	builder.WriteString("# TYPE ecash_transactions_total counter\n")
	builder.WriteString(fmt.Sprintf("ecash_transactions_total{outcome=\"succeeded\"} %d\n", successful))
	builder.WriteString(fmt.Sprintf("ecash_transactions_total{outcome=\"failed\"} %d\n", failed))

	builder.WriteString("# HELP ecash_transaction_failures_total Terminal failures grouped by error code.\n")
	builder.WriteString("# TYPE ecash_transaction_failures_total counter\n")
	for _, metric := range codes {
		builder.WriteString(fmt.Sprintf("ecash_transaction_failures_total{code=\"%s\"} %d\n",
			escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP ecash_transaction_duration_seconds End-to-end transaction duration in seconds.\n")
	builder.WriteString("# TYPE ecash_transaction_duration_seconds histogram\n")
	for idx, bound := range buckets {
		builder.WriteString(fmt.Sprintf("ecash_transaction_duration_seconds_bucket{le=\"%s\"} %d\n",
			formatFloat(bound), counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("ecash_transaction_duration_seconds_bucket{le=\"+Inf\"} %d\n", count))
	builder.WriteString(fmt.Sprintf("ecash_transaction_duration_seconds_sum %s\n", formatFloat(sum)))
	builder.WriteString(fmt.Sprintf("ecash_transaction_duration_seconds_count %d\n", count))

	builder.WriteString("# HELP ecash_fees_paid_total Fees paid, grouped by asset and chain.\n")
	builder.WriteString("# TYPE ecash_fees_paid_total counter\n")
	for _, metric := range fees {
		builder.WriteString(fmt.Sprintf("ecash_fees_paid_total{asset=\"%s\",chain=\"%s\"} %s\n",
			escape(metric.asset), escape(metric.chain), metric.value))
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
