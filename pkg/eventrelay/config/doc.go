/*
Package config loads relay settings.

# Overview

Config wraps a map[string]any decoded from YAML or JSON and provides typed
accessors that fall back to defaults on missing keys or type mismatches.
Settings is the typed relay configuration built on top of it.

# Recognized keys

	batch_window_ms            100
	max_batch_size             50
	max_retries                3
	retry_delays_s             [1, 2, 5]
	failure_threshold          3
	reset_timeout_s            60
	queue_overflow_drop_count  10
	tick_interval_ms           50
	codec                      json
	source                     eventrelay
	stream                     events
	spool_path                 "" (in-memory spool)
	dlq_size                   100
	rate_limit                 0 (unlimited)

Keys may sit at the top level or under an "eventrelay" key.

# Environment

Every key can be overridden with an upper-cased EVENTRELAY_ variable, for
example EVENTRELAY_MAX_BATCH_SIZE=100 or EVENTRELAY_RETRY_DELAYS_S=0.5,1,2.

# Usage

	settings, err := config.Load("relay.yaml")
	if err != nil {
	    log.Fatal(err)
	}
*/
package config
