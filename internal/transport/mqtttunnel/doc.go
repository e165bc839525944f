// Package mqtttunnel implements a transport adapter that reaches tiles
// through an MQTT broker.
//
// Remote agents front the actual tiles. Each agent maintains a retained
// advert on tilelink/adv/<slug> describing one tile; clearing the advert
// announces that the tile is gone. Per-tile request and response topics
// carry connect, disconnect, interface, RPC, script and debug exchanges as
// JSON frames matched by correlation id, and separate stream and trace
// topics carry raw report and trace bytes for established connections.
//
// Connection state lives in a connmgr.Manager; broker deliveries arrive on
// paho's goroutines and only ever enqueue completions, so all state
// transitions stay serialized on the connection manager's worker.
package mqtttunnel
