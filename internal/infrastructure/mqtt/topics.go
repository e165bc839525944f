package mqtt

import "fmt"

// DefaultPrefix is the leading topic segment used when none is configured.
const DefaultPrefix = "tilelink"

// Topics builds tilelink MQTT topic strings. Using these helpers keeps topic
// naming consistent between the tunnel adapter and remote agents.
//
// The hierarchy is flat and per-tile:
//
//	tilelink/adv/<slug>        retained advert, cleared when the tile goes away
//	tilelink/dev/<slug>/req    requests from the daemon to the agent
//	tilelink/dev/<slug>/resp   responses and completions from the agent
//	tilelink/dev/<slug>/stream report frames from the tile
//	tilelink/dev/<slug>/trace  trace bytes from the tile
type Topics struct {
	// Prefix overrides the leading segment; empty means DefaultPrefix.
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultPrefix
	}
	return t.Prefix
}

// Advert returns the retained advert topic for one tile.
//
// Example: tilelink/adv/tile-0042
func (t Topics) Advert(slug string) string {
	return fmt.Sprintf("%s/adv/%s", t.prefix(), slug)
}

// AllAdverts returns a pattern matching every tile advert.
//
// Pattern: tilelink/adv/+
func (t Topics) AllAdverts() string {
	return fmt.Sprintf("%s/adv/+", t.prefix())
}

// Request returns the request topic for one tile.
//
// Example: tilelink/dev/tile-0042/req
func (t Topics) Request(slug string) string {
	return fmt.Sprintf("%s/dev/%s/req", t.prefix(), slug)
}

// Response returns the response topic for one tile.
//
// Example: tilelink/dev/tile-0042/resp
func (t Topics) Response(slug string) string {
	return fmt.Sprintf("%s/dev/%s/resp", t.prefix(), slug)
}

// Stream returns the report stream topic for one tile.
//
// Example: tilelink/dev/tile-0042/stream
func (t Topics) Stream(slug string) string {
	return fmt.Sprintf("%s/dev/%s/stream", t.prefix(), slug)
}

// Trace returns the trace topic for one tile.
//
// Example: tilelink/dev/tile-0042/trace
func (t Topics) Trace(slug string) string {
	return fmt.Sprintf("%s/dev/%s/trace", t.prefix(), slug)
}

// SystemStatus returns the daemon's own status topic, used for the online
// announcement and the Last Will message.
//
// Example: tilelink/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.prefix())
}
