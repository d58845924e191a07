/*
Package sink stores collected telemetry in a time-series database.

InfluxSink talks to InfluxDB 2.x through influxdb-client-go. Writes use the
blocking write API so a collection cycle knows whether its samples landed;
transient failures (5xx, 429, network) are retried with exponential backoff
up to a fixed bound, client errors fail at once.

Queries are Flux. BuildRangeQuery and BuildLastQuery are pure builders: tag
filters are sorted for stable output and every value is quoted as a Flux
string literal, so tag values taken from API requests cannot change the
query. Results are pivoted by _time into Rows of field and tag values.
*/
package sink
