package sink

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// LastLookback bounds how far back QueryLast searches
const LastLookback = 24 * time.Hour

var fluxEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)

// quote renders s as a Flux string literal
func quote(s string) string {
	return `"` + fluxEscaper.Replace(s) + `"`
}

func writeFilters(b *strings.Builder, measurement string, tags map[string]string) {
	fmt.Fprintf(b, "\n  |> filter(fn: (r) => r._measurement == %s)", quote(measurement))

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(b, "\n  |> filter(fn: (r) => r[%s] == %s)", quote(k), quote(tags[k]))
	}
}

// BuildRangeQuery returns a Flux query for every point of measurement
// matching tags in [start, end), one row per timestamp
func BuildRangeQuery(bucket, measurement string, tags map[string]string, start, end time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "from(bucket: %s)", quote(bucket))
	fmt.Fprintf(&b, "\n  |> range(start: %s, stop: %s)",
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	writeFilters(&b, measurement, tags)
	b.WriteString("\n  |> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")")
	b.WriteString("\n  |> sort(columns: [\"_time\"])")

	return b.String()
}

// BuildLastQuery returns a Flux query for the latest value of every field of
// measurement matching tags, pivoted into rows
func BuildLastQuery(bucket, measurement string, tags map[string]string, lookback time.Duration) string {
	var b strings.Builder

	fmt.Fprintf(&b, "from(bucket: %s)", quote(bucket))
	fmt.Fprintf(&b, "\n  |> range(start: -%ds)", int64(lookback/time.Second))
	writeFilters(&b, measurement, tags)
	b.WriteString("\n  |> last()")
	b.WriteString("\n  |> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")")

	return b.String()
}
