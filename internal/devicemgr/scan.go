package devicemgr

import (
	"sort"
	"time"

	"github.com/tilelink/tilelink-core/internal/adapter"
)

// scanRecord is one adapter's current sighting of one tile, owned by the
// manager loop and stored under (uuid, adapter id).
type scanRecord struct {
	device adapter.DeviceInfo

	// expiresAt is zero for sightings that never expire on their own; the
	// adapter sends an explicit lost event instead.
	expiresAt time.Time
}

func (r scanRecord) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && now.After(r.expiresAt)
}

// Route is one adapter's way of reaching a tile.
type Route struct {
	AdapterID        int
	ConnectionString string
	SignalStrength   int
}

// Device is the aggregated view of one tile: every adapter that can
// currently see it, best route first.
type Device struct {
	UUID   string
	Routes []Route
}

// routesFor builds the live route list for one uuid, best signal first.
// Expired sightings are skipped even if the sweep has not caught them yet.
// Runs on the manager loop.
func (m *Manager) routesFor(uuid string, now time.Time) []Route {
	recs := m.scans[uuid]
	if len(recs) == 0 {
		return nil
	}

	routes := make([]Route, 0, len(recs))
	for adapterID, rec := range recs {
		if rec.expired(now) {
			continue
		}
		routes = append(routes, Route{
			AdapterID:        adapterID,
			ConnectionString: rec.device.ConnectionString,
			SignalStrength:   rec.device.SignalStrength,
		})
	}

	sort.Slice(routes, func(i, j int) bool {
		if routes[i].SignalStrength != routes[j].SignalStrength {
			return routes[i].SignalStrength > routes[j].SignalStrength
		}
		return routes[i].AdapterID < routes[j].AdapterID
	})
	return routes
}
