package devicemanager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kdeconnect-go/kdeconnect/packet"
)

// knownPeers is the devices.json map of spec §4.6: deviceId -> the most
// recent identity packet observed for a device that has reached
// (connected ∧ paired) at least once. Writes are serialized and replace
// the whole file atomically, matching spec §5's "concurrent writers are
// not permitted" rule for the known-peers file.
type knownPeers struct {
	mu    sync.Mutex
	path  string
	peers map[string]*packet.Packet
}

func loadKnownPeers(dataDir string) (*knownPeers, error) {
	path := filepath.Join(dataDir, "devices.json")
	k := &knownPeers{path: path, peers: make(map[string]*packet.Packet)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("devicemanager: read known peers: %w", err)
	}
	if err := json.Unmarshal(data, &k.peers); err != nil {
		return nil, fmt.Errorf("devicemanager: parse known peers: %w", err)
	}
	return k, nil
}

// all returns a snapshot of the known-peers map, for bootstrapping a
// Device per entry at manager start.
func (k *knownPeers) all() map[string]*packet.Packet {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[string]*packet.Packet, len(k.peers))
	for id, p := range k.peers {
		out[id] = p
	}
	return out
}

// save records deviceID's current identity and persists the whole map
// (spec §4.6: "entering (connected ∧ paired) writes/overwrites that
// device's entry").
func (k *knownPeers) save(deviceID string, identity *packet.Packet) error {
	k.mu.Lock()
	k.peers[deviceID] = identity
	k.mu.Unlock()
	return k.persist()
}

// remove drops deviceID's entry (spec §4.6: "entering (¬connected ∧
// ¬paired) removes it").
func (k *knownPeers) remove(deviceID string) error {
	k.mu.Lock()
	_, existed := k.peers[deviceID]
	delete(k.peers, deviceID)
	k.mu.Unlock()
	if !existed {
		return nil
	}
	return k.persist()
}

func (k *knownPeers) persist() error {
	k.mu.Lock()
	data, err := json.MarshalIndent(k.peers, "", "  ")
	k.mu.Unlock()
	if err != nil {
		return fmt.Errorf("devicemanager: marshal known peers: %w", err)
	}

	dir := filepath.Dir(k.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("devicemanager: create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".devices-*.json")
	if err != nil {
		return fmt.Errorf("devicemanager: create temp known-peers file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("devicemanager: write known peers: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("devicemanager: close known peers: %w", err)
	}
	if err := os.Rename(tmp.Name(), k.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("devicemanager: replace known peers file: %w", err)
	}
	return nil
}
