// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package security

import "sort"

// Permission is a capability token a plugin may request.
type Permission string

// Known permission tokens.
const (
	PermNetworkHTTP      Permission = "network.http"
	PermNetworkHTTPS     Permission = "network.https"
	PermNetworkWebsocket Permission = "network.websocket"
	PermFileRead         Permission = "file.read"
	PermFileWrite        Permission = "file.write"
	PermFileExecute      Permission = "file.execute"
	PermSystemCommand    Permission = "system.command"
	PermSystemInfo       Permission = "system.info"
	PermRegistryAccess   Permission = "registry.access"
	PermConfigRead       Permission = "config.read"
	PermConfigWrite      Permission = "config.write"
	PermMessageProcess   Permission = "message.process"
	PermMessageSend      Permission = "message.send"
	PermDatabaseRead     Permission = "database.read"
	PermDatabaseWrite    Permission = "database.write"
	PermCryptoSign       Permission = "crypto.sign"
)

// RiskLevel indicates how dangerous a permission is.
type RiskLevel int

// Risk levels, lowest first.
const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// PermissionInfo describes a permission token.
type PermissionInfo struct {
	Name        Permission
	Description string
	Risk        RiskLevel
}

var permissionRegistry = map[Permission]PermissionInfo{
	PermNetworkHTTP:      {PermNetworkHTTP, "Make plain HTTP requests", RiskMedium},
	PermNetworkHTTPS:     {PermNetworkHTTPS, "Make HTTPS requests", RiskMedium},
	PermNetworkWebsocket: {PermNetworkWebsocket, "Open websocket connections", RiskMedium},
	PermFileRead:         {PermFileRead, "Read files from the filesystem", RiskMedium},
	PermFileWrite:        {PermFileWrite, "Write files to the filesystem", RiskHigh},
	PermFileExecute:      {PermFileExecute, "Execute files", RiskCritical},
	PermSystemCommand:    {PermSystemCommand, "Run system commands", RiskCritical},
	PermSystemInfo:       {PermSystemInfo, "Read host system information", RiskLow},
	PermRegistryAccess:   {PermRegistryAccess, "Access the OS registry", RiskCritical},
	PermConfigRead:       {PermConfigRead, "Read plugin configuration", RiskLow},
	PermConfigWrite:      {PermConfigWrite, "Modify plugin configuration", RiskMedium},
	PermMessageProcess:   {PermMessageProcess, "Process inbound messages", RiskLow},
	PermMessageSend:      {PermMessageSend, "Send outbound messages", RiskMedium},
	PermDatabaseRead:     {PermDatabaseRead, "Read the plugin key-value store", RiskLow},
	PermDatabaseWrite:    {PermDatabaseWrite, "Write the plugin key-value store", RiskMedium},
	PermCryptoSign:       {PermCryptoSign, "Sign data with host keys", RiskHigh},
}

// Known reports whether token names a registered permission.
func Known(token string) bool {
	_, ok := permissionRegistry[Permission(token)]
	return ok
}

// Lookup returns the description of a permission.
func Lookup(p Permission) (PermissionInfo, bool) {
	info, ok := permissionRegistry[p]
	return info, ok
}

// AllPermissions returns every known permission sorted by name.
func AllPermissions() []PermissionInfo {
	out := make([]PermissionInfo, 0, len(permissionRegistry))
	for _, info := range permissionRegistry {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HighestRisk returns the highest risk level among tokens. Unknown tokens
// are ignored.
func HighestRisk(tokens []string) RiskLevel {
	risk := RiskLow
	for _, tok := range tokens {
		if info, ok := permissionRegistry[Permission(tok)]; ok && info.Risk > risk {
			risk = info.Risk
		}
	}
	return risk
}
