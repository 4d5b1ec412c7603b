package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/RomanMuteki/random-chats/pkg/discovery"
)

// loadPools reads the static service pools from a JSON file shaped as
// {"auth_service": [{"url": "http://..."}], ...}.
func loadPools(path string) (map[string][]discovery.Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pools file: %w", err)
	}
	var pools map[string][]discovery.Instance
	if err := json.Unmarshal(data, &pools); err != nil {
		return nil, fmt.Errorf("parse pools file %s: %w", path, err)
	}
	return pools, nil
}
