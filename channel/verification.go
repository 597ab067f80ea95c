package channel

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// VerificationKey derives the short human-verifiable string of spec §4.2:
// take the two certificates' SubjectPublicKeyInfo byte arrays, concatenate
// them in descending lexicographic order of the local key relative to the
// peer, for v8 append the pairing timestamp in decimal ASCII, SHA-256,
// take the first 8 hex digits, uppercased. Both peers compute the same
// string regardless of who initiated, since the ordering rule is symmetric.
//
// pairingTimestamp is ignored (pass 0) for protocol v7.
func (c *Channel) VerificationKey(protocolVersion int, pairingTimestamp int64) (string, error) {
	local := c.transport.LocalCertificate()
	peer := c.transport.PeerCertificate()
	if local == nil || peer == nil {
		return "", fmt.Errorf("channel: verification key requires both certificates")
	}

	localSPKI := local.RawSubjectPublicKeyInfo
	peerSPKI := peer.RawSubjectPublicKeyInfo

	var buf bytes.Buffer
	if bytes.Compare(localSPKI, peerSPKI) >= 0 {
		buf.Write(localSPKI)
		buf.Write(peerSPKI)
	} else {
		buf.Write(peerSPKI)
		buf.Write(localSPKI)
	}
	if protocolVersion >= 8 {
		buf.WriteString(strconv.FormatInt(pairingTimestamp, 10))
	}

	sum := sha256.Sum256(buf.Bytes())
	return strings.ToUpper(hex.EncodeToString(sum[:])[:8]), nil
}
