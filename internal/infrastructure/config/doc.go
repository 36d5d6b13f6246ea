// Package config handles loading and validating Rebus Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with REBUS_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Store passwords and the JWT secret should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Storage.Driver)
package config
