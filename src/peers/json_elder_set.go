package peers

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"
)

const (
	jsonElderSetPath        = "peers.json"
	jsonGenesisElderSetPath = "peers.genesis.json"
)

// JSONElderSet provides elder-set persistence on disk in the form of a JSON
// file. It is used at bootstrap: the genesis file pins the trusted root of
// the proof chain, the current file caches the last known elder set.
type JSONElderSet struct {
	l    sync.Mutex
	path string
}

// NewJSONElderSet creates a new JSONElderSet with reference to a base
// directory where the JSON files reside.
func NewJSONElderSet(base string, isCurrent bool) *JSONElderSet {
	var path string

	if isCurrent {
		path = filepath.Join(base, jsonElderSetPath)
	} else {
		path = filepath.Join(base, jsonGenesisElderSetPath)
	}

	return &JSONElderSet{
		path: path,
	}
}

// ElderSet parses the underlying JSON file and returns the corresponding
// ElderSet.
func (j *JSONElderSet) ElderSet() (*ElderSet, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	if len(buf) == 0 {
		return nil, nil
	}

	var elders []*Peer
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&elders); err != nil {
		return nil, err
	}

	cleanseElders(elders)

	return NewElderSet(elders), nil
}

// cleanseElders standardises the public key strings to match the format
// derived from a private key.
func cleanseElders(elders []*Peer) {
	for _, peer := range elders {
		peer.PubKeyHex = "0X" + strings.TrimPrefix(strings.ToUpper(peer.PubKeyHex), "0X")
	}
}

// Write persists an elder slice to a JSON file.
func (j *JSONElderSet) Write(elders []*Peer) error {
	j.l.Lock()
	defer j.l.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(elders); err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, buf.Bytes(), 0755)
}
