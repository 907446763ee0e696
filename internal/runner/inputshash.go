package runner

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// InputsHash fingerprints one job invocation: the job identity, the
// resolved input tokens (blob hashes for blob-backed inputs, literal values
// otherwise), the effective config, and the provider:model pair. Equal
// hashes mean re-running the job cannot produce different output, which is
// what the skip cache keys on.
func InputsHash(jobID string, tokens map[string]any, config map[string]any, provider, model string) (string, error) {
	tokensJSON, err := json.Marshal(tokens)
	if err != nil {
		return "", fmt.Errorf("encode input tokens: %w", err)
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	h := blake3.New()
	h.Write([]byte(jobID))
	h.Write([]byte{0})
	h.Write(tokensJSON)
	h.Write([]byte{0})
	h.Write(configJSON)
	h.Write([]byte{0})
	h.Write([]byte(provider + ":" + model))
	return hex.EncodeToString(h.Sum(nil)), nil
}
