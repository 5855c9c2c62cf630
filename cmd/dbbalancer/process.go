package main

import (
	"os"
)

// getProcessInfo returns process information for logging
func getProcessInfo() map[string]interface{} {
	return map[string]interface{}{
		"pid":      os.Getpid(),
		"ppid":     os.Getppid(),
		"hostname": getHostname(),
	}
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// getConfigSource returns the configuration source for logging
func getConfigSource() string {
	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "dbbalancer.yaml"
	}
	if _, err := os.Stat(configFile); err == nil {
		return "file+env"
	}

	for _, envVar := range []string{"DBLB_REPLICAS", "DBLB_AUTHKEY", "DBLB_PORT"} {
		if os.Getenv(envVar) != "" {
			return "environment"
		}
	}
	return "defaults"
}
