package wire

// ServiceType is the mDNS service under which relays announce themselves.
const ServiceType = "_strudual._tcp"

// ServiceDomain is the mDNS browse domain.
const ServiceDomain = "local."
