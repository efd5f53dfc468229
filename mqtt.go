// Package mqtt implements an MQTT 3.1.1 broker and client.
//
// The Server accepts connections over TCP, TLS, Unix sockets and
// WebSocket, runs one goroutine per connection and routes application
// messages through a Broker holding the subscription tree, the retained
// message tree and the session store. The Client dials the same
// transports and drives the QoS 0/1/2 exchanges from the other side.
package mqtt
