package core

import (
	_ "embed"
	"strings"
)

//go:embed version
var gatewayVersion string

// GatewayVersion returns the gateway library version.
func GatewayVersion() string {
	return strings.TrimSpace(gatewayVersion)
}
