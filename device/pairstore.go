package device

import "crypto/x509"

// PairStore persists the one fact that makes a device "paired": the
// peer's certificate, at a well-known per-device location (spec §4.5's
// "the marker of 'this device is paired' is the presence of the peer's
// certificate file"). Implemented by the device manager, which owns the
// on-disk device context directories.
type PairStore interface {
	SavePeerCertificate(deviceID string, cert *x509.Certificate) error
	DeletePeerCertificate(deviceID string) error
	HasPeerCertificate(deviceID string) bool
}
