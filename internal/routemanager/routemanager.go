// Package routemanager adapts the tsm.RouteManager contract to platform
// backends: clearing tunnel routes and, on Windows, watching the default
// route so the split-tunnel driver can be kept in sync (spec §4.4, §9).
package routemanager

import "context"

// Manager is implemented per-platform.
type Manager interface {
	ClearRoutes(ctx context.Context) error
}
