// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and BOXRUN_* environment variables. It covers
// the server transport, the box pool and isolation backend, default resource
// limits, logging and the metrics exporter. Named limit profiles live in a
// separate YAML document loaded with LoadProfiles.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Pool size: %d\n", cfg.Sandbox.PoolSize)
package config
