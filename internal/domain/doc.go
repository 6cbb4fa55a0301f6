/*
Package domain holds the value types shared by the network-group layers.

ClientConnection is the read-only snapshot of a client connection that every
criterion and the resource limits consume. The connection-handling layer
owns the real state and hands out views of it; ConnectionSnapshot is the
plain value implementation used by the gateway and by tests.

	conn := domain.ConnectionSnapshot{
		Address:        net.ParseIP("10.1.2.3"),
		TransportLabel: domain.TransportLDAPS,
		Secure:         true,
	}

AuthMethod and OperationType are closed enumerations; OperationType.IsWrite
is what the affinity tracker uses to split reads from writes.
*/
package domain
