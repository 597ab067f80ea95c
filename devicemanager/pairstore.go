package devicemanager

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// filePairStore persists peer certificates at
// dataDir/<deviceId>/certificate.pem (spec §6's "per-device directory
// keyed by deviceId contains certificate.pem (the peer's certificate,
// iff paired)"). It implements device.PairStore.
type filePairStore struct {
	dataDir string
}

func newFilePairStore(dataDir string) *filePairStore {
	return &filePairStore{dataDir: dataDir}
}

func (s *filePairStore) deviceDir(deviceID string) string {
	return filepath.Join(s.dataDir, deviceID)
}

func (s *filePairStore) SavePeerCertificate(deviceID string, cert *x509.Certificate) error {
	dir := s.deviceDir(deviceID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("devicemanager: create device dir for %s: %w", deviceID, err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(filepath.Join(dir, "certificate.pem"), pemData, 0o600); err != nil {
		return fmt.Errorf("devicemanager: save peer certificate for %s: %w", deviceID, err)
	}
	return nil
}

func (s *filePairStore) DeletePeerCertificate(deviceID string) error {
	err := os.Remove(filepath.Join(s.deviceDir(deviceID), "certificate.pem"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("devicemanager: delete peer certificate for %s: %w", deviceID, err)
	}
	return nil
}

func (s *filePairStore) HasPeerCertificate(deviceID string) bool {
	_, err := os.Stat(filepath.Join(s.deviceDir(deviceID), "certificate.pem"))
	return err == nil
}

// loadPeerCertificate reads back a previously saved certificate, for
// verifying a reconnecting peer's presented certificate matches.
func (s *filePairStore) loadPeerCertificate(deviceID string) (*x509.Certificate, error) {
	data, err := os.ReadFile(filepath.Join(s.deviceDir(deviceID), "certificate.pem"))
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("devicemanager: %s/certificate.pem is not valid PEM", deviceID)
	}
	return x509.ParseCertificate(block.Bytes)
}
