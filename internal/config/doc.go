// Package config provides configuration management for the checkrun daemon.
//
// Daemon settings are loaded from environment variables using the env
// package; all values have sensible defaults for development use. The
// workflow document itself is a YAML file loaded separately with
// LoadWorkflow.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	wf, err := config.LoadWorkflow(cfg.WorkflowPath)
package config
