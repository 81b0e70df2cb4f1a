// Package mqtt forwards the activity bus to an MQTT broker.
//
// Every bus event is published as JSON to <topic_prefix>/events. The
// publisher keeps a retained availability topic ("online"/"offline")
// backed by a last-will message, and when a discovery prefix is
// configured it announces a small set of Home Assistant sensors
// (dispatches today, last intent, uptime, version) so Cadence shows up
// as a device.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. On
// every (re-)connect the publisher re-sends discovery payloads and the
// birth message.
package mqtt
