package net

// Packet is an inbound message delivered by a Transport. From is the network
// address of the sending peer and Payload is an encoded gossip message.
type Packet struct {
	From    string
	Payload []byte
}

// Transport provides an interface for network transports to allow a node to
// exchange gossip messages with other nodes. Implementations are expected to
// be silently unreliable: Send returns an error on failure and is safe to call
// repeatedly; retries are the caller's responsibility.
type Transport interface {

	// Listen starts the transport listening.
	Listen()

	// Consumer returns a channel that can be used to consume inbound packets.
	Consumer() <-chan Packet

	// LocalAddr is used to return our local address.
	LocalAddr() string

	// Send delivers an encoded message to the peer at the target address.
	Send(target string, payload []byte) error

	// Close permanently closes the transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}
