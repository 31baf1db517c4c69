package exterrors

import (
	"net"
)

// UnwrapDNSErr extracts the underlying resolver failure message from a
// *net.DNSError so it can be used as a 'reason' field without the noisy
// "lookup ...:" prefix.
func UnwrapDNSErr(err error) (reason string, misc map[string]any) {
	dnsErr, ok := err.(*net.DNSError)
	if !ok {
		// Non-nil so the caller can extend it with its own values.
		return "", map[string]any{}
	}

	// Neither the server name nor the DNS name is usually useful here.
	return dnsErr.Err, map[string]any{}
}
