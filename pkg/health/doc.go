/*
Package health probes the supervisor's dependencies.

Three checkers implement the Checker interface:

	┌──────────────────────────────────────────┐
	│            Checker Interface             │
	│  • Check(ctx) Result                     │
	│  • Type() CheckType                      │
	└────────┬─────────────────────────────────┘
	         │
	    ┌────┴──────┬──────────────┐
	    ▼           ▼              ▼
	┌────────┐  ┌────────┐   ┌──────────┐
	│  HTTP  │  │ Socket │   │   Func   │
	│ sink   │  │ contai-│   │ store /  │
	│ /health│  │ nerd   │   │ sink ping│
	└────────┘  └────────┘   └──────────┘

A Monitor runs its checkers on an interval, applies the retry threshold from
Config and reports each component through a ReportFunc. The serve command
passes metrics.UpdateComponent, so /health and /ready reflect the latest pass.

# Retries

A component turns unhealthy only after Retries consecutive failures, and
recovers on the first success. Start performs one synchronous pass so the
health registry is populated before the API starts listening.
*/
package health
