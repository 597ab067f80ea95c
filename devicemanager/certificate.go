package devicemanager

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/kdeconnect-go/kdeconnect/pkg/identity"
)

const certificateValidity = 10 * 365 * 24 * time.Hour

// loadOrGenerateCertificate implements spec §4.6's "generate/load
// certificate if absent — the common name *is* the local deviceId". The
// certificate lives at dataDir/certificate.pem (cert+key PEM blocks
// concatenated); a fresh ECDSA P-256 self-signed certificate is minted
// on first run, named after a freshly generated deviceId.
func loadOrGenerateCertificate(dataDir string) (tls.Certificate, string, error) {
	path := filepath.Join(dataDir, "certificate.pem")

	if data, err := os.ReadFile(path); err == nil {
		return parseCertificatePEM(data)
	} else if !os.IsNotExist(err) {
		return tls.Certificate{}, "", fmt.Errorf("devicemanager: read certificate: %w", err)
	}

	deviceID := identity.GenerateDeviceID()
	cert, pemData, err := generateSelfSignedCertificate(deviceID)
	if err != nil {
		return tls.Certificate{}, "", err
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return tls.Certificate{}, "", fmt.Errorf("devicemanager: create data dir: %w", err)
	}
	if err := os.WriteFile(path, pemData, 0o600); err != nil {
		return tls.Certificate{}, "", fmt.Errorf("devicemanager: write certificate: %w", err)
	}
	return cert, deviceID, nil
}

func generateSelfSignedCertificate(deviceID string) (tls.Certificate, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("devicemanager: generate key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: deviceID},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(certificateValidity),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("devicemanager: create certificate: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("devicemanager: marshal key: %w", err)
	}

	var pemData []byte
	pemData = append(pemData, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	pemData = append(pemData, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})...)

	cert, err := parseCertificatePEM(pemData)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return cert, pemData, nil
}

func parseCertificatePEM(data []byte) (tls.Certificate, string, error) {
	var certDER []byte
	var keyDER []byte

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			certDER = block.Bytes
		case "EC PRIVATE KEY":
			keyDER = block.Bytes
		}
	}
	if certDER == nil {
		return tls.Certificate{}, "", fmt.Errorf("devicemanager: certificate.pem missing CERTIFICATE block")
	}
	if keyDER == nil {
		return tls.Certificate{}, "", fmt.Errorf("devicemanager: certificate.pem missing EC PRIVATE KEY block")
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("devicemanager: parse certificate: %w", err)
	}
	key, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("devicemanager: parse key: %w", err)
	}

	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        cert,
	}
	return tlsCert, cert.Subject.CommonName, nil
}
