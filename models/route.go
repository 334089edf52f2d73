package models

// RouteMapEntry binds an external route key to an internal event.
type RouteMapEntry struct {
	Event   string `json:"event" yaml:"event"`
	Handler string `json:"handler,omitempty" yaml:"handler,omitempty"`
}

// RouteMap is always read and written as a whole document.
type RouteMap map[string]RouteMapEntry
