// Package config loads the driver's YAML configuration.
//
// # Overview
//
// Everything a session needs beyond its command-line flags lives in one
// file: where the default bundle is served from, where cached bundle content
// and generated formats are kept, how hard the bundle server may be hit, and
// the telemetry settings.
//
// # Lookup
//
// Load reads the file named by its argument. With no argument it tries
// $QUIRE_CONFIG and then config.yaml under the user configuration directory;
// a missing default file is not an error and yields Default().
//
// # Environment
//
// After the file is decoded, QUIRE_BUNDLE_URL, QUIRE_CACHE_DIR and
// QUIRE_FORMAT_CACHE_DIR override the corresponding settings. Paths may use
// $VAR references and a leading "~/".
//
// # Example
//
//	bundle:
//	  default_url: https://bundles.example.org/tlextras-2024.tar
//	  digest_ttl: 24h
//	  requests_per_second: 8
//	cache:
//	  dir: ~/.cache/quire
//	telemetry:
//	  logging:
//	    level: info
//
// # Validation
//
// The file as written is first checked against an embedded CUE schema,
// which rejects unknown keys and values of the wrong kind or range. The
// decoded result is then checked with struct tags. Every failure is
// reported as a configuration error.
package config
