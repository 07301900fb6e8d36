// Package config handles loading and validating the Siegenia bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling, including per-device defaults
//
// Security Considerations:
//   - Device passwords should be set via SIEGENIA_DEVICE_<ID>_PASSWORD
//   - The config file should have restricted permissions (0600)
//   - Device TLS is encrypted but unauthenticated (self-signed certificates)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, d := range cfg.Devices {
//	    fmt.Println(d.ID, d.Host)
//	}
package config
