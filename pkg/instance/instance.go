package instance

import "os"

// GetID returns the engine instance identifier, falling back to the hostname.
func GetID() string {
	if id := os.Getenv("ENGINE_INSTANCE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "engine-0"
}
