package relay

import (
	"fmt"

	"github.com/grandcat/zeroconf"

	"github.com/dustinlacewell/strudual/internal/wire"
)

// Announce advertises the relay on the local network over mDNS until the
// returned shutdown is called.
func Announce(instance string, port int) (shutdown func(), err error) {
	server, err := zeroconf.Register(
		instance,
		wire.ServiceType,
		wire.ServiceDomain,
		port,
		[]string{"txtv=0", "path=/ws"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service %s: %w", wire.ServiceType, err)
	}
	return server.Shutdown, nil
}
