// Package config provides configuration loading and validation for GCS Core.
//
// Configuration is loaded from a YAML file with environment variable
// overrides (GCS_* prefix). The loading order is:
//
//  1. Hardcoded defaults
//  2. YAML file values
//  3. Environment variables
//
// Broker credentials are deliberately environment-overridable so
// deployments never need to commit secrets to the config file.
//
// # Usage
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Broker.Host)
package config
