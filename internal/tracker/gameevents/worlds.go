package gameevents

import "strings"

// Static lookup tables for the game's event stream. The census API
// technically serves these, but they change rarely enough that a
// baked-in table beats a startup dependency on another endpoint.

var worldNames = map[string]string{
	"1":    "Connery",
	"10":   "Miller",
	"13":   "Cobalt",
	"17":   "Emerald",
	"19":   "Jaeger",
	"40":   "SolTech",
	"1000": "Genudine",
	"2000": "Ceres",
}

var zoneNames = map[string]string{
	"2":   "Indar",
	"4":   "Hossin",
	"6":   "Amerish",
	"8":   "Esamir",
	"344": "Oshur",
}

// eventNames maps metagame event ids to display names. Unlisted ids
// fall back to the raw id.
var eventNames = map[string]string{
	"147": "Indar Conquest",
	"148": "Esamir Conquest",
	"149": "Hossin Conquest",
	"150": "Amerish Conquest",
	"151": "Esamir Unstable Meltdown",
	"152": "Hossin Unstable Meltdown",
	"153": "Amerish Unstable Meltdown",
	"154": "Indar Unstable Meltdown",
	"222": "Oshur Conquest",
	"223": "Oshur Unstable Meltdown",
}

// ResolveWorld accepts a world id or (case-insensitive) world name and
// returns the canonical id and display name.
func ResolveWorld(s string) (id, name string, ok bool) {
	if n, found := worldNames[s]; found {
		return s, n, true
	}
	for wid, n := range worldNames {
		if strings.EqualFold(n, s) {
			return wid, n, true
		}
	}
	return "", "", false
}

func worldName(id string) string {
	if n, ok := worldNames[id]; ok {
		return n
	}
	return "World " + id
}

// eventTitle names an alert. Unlisted event ids (new alert types ship
// between table refreshes) fall back to the zone, then to the raw id.
func eventTitle(eventID, zoneID string) string {
	if n, ok := eventNames[eventID]; ok {
		return n
	}
	if z, ok := zoneNames[zoneID]; ok {
		return z + " Alert"
	}
	return "Event " + eventID
}
