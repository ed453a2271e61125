// Package constants defines application-wide constants and version information.
package constants

import "runtime"

// AppName is the binary and logger name
const AppName = "lidareyeball"

// Version holds the application version information
const Version = "1.0-" + runtime.GOOS + "/" + runtime.GOARCH

// DefaultConfigFile is read when --config is not given
const DefaultConfigFile = "lidareyeball.yaml"
