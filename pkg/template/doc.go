/*
Package template provides the worker template registry and configuration schema.

A worker template is a directory in the template store holding a template.json
manifest and the files a worker needs at runtime. The manifest maps a role to
a file name:

	templates/
	└── goodwe/
	    ├── template.json      {"name": "goodwe", "image": "...", "files": {...}}
	    ├── config_template.json
	    └── run.sh

Templates are read on every lookup, so edits to the store are visible without a
restart. A template is usable only when every file its manifest names exists.

# Configuration Schema

Each template type has a static schema of required sections and fields. The
goodwe type requires:

	sems:      username, password (may be blank), region
	influxdb:  url, token, org, bucket
	settings:  interval, timezone

ValidateConfig reports every offending field at once through *ValidationErrors,
wrapped in an error of kind config. ParseWorkerConfig adds typed checks on top
(URL shape, positive interval, IANA timezone) using go-playground/validator.

# Usage

	reg, err := template.NewDirRegistry("/var/lib/heliogrid/templates")
	if err != nil {
		return err
	}

	tpl, err := reg.Load("goodwe")
	if err != nil {
		return err
	}

	ok, err := reg.Validate(tpl.Name)
*/
package template
