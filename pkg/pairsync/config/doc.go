/*
Package config loads endpoint settings from YAML, JSON, or TOML files.

# Overview

Config wraps a decoded document and provides typed accessors that return a
default when a key is missing or has the wrong type. Keys may be dotted
paths into nested tables:

	cfg, err := config.FromFile("lobby.toml")
	if err != nil {
	    log.Fatal(err)
	}
	name := cfg.String("endpoint.name", "lobby")

EndpointFrom extracts the settings an endpoint needs and validates them:

	[endpoint]
	name = "lobby"
	priority = "high"
	journal = "./lobby-journal.db"
	metrics = true
	log_level = "debug"

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
