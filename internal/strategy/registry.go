package strategy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Card represents registry metadata for one capability binding.
type Card struct {
	Name         string                 `json:"name"`
	Version      string                 `json:"version"`
	Description  string                 `json:"description"`
	InputSchema  map[string]interface{} `json:"input_schema"`
	OutputSchema map[string]interface{} `json:"output_schema"`
	SideEffects  []string               `json:"side_effects"`
	Checksum     string                 `json:"checksum"`
	Signature    string                 `json:"signature"`
}

// DefaultCards returns the built-in capability Cards with minimal schemas.
func DefaultCards() []Card {
	obj := func(props map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{
			"$schema":    "https://json-schema.org/draft/2020-12/schema",
			"type":       "object",
			"properties": props,
		}
	}
	return []Card{
		{
			Name:        OpSearchRAG,
			Version:     "v1",
			Description: "Searches an indexed document collection",
			InputSchema: obj(map[string]interface{}{
				"query":      map[string]interface{}{"type": "string"},
				"collection": map[string]interface{}{"type": "string"},
			}),
			OutputSchema: obj(map[string]interface{}{
				"content": map[string]interface{}{"type": "string"},
				"source":  map[string]interface{}{"const": "rag"},
			}),
		},
		{
			Name:        OpSearchWeb,
			Version:     "v1",
			Description: "Searches the public web",
			InputSchema: obj(map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			}),
			OutputSchema: obj(map[string]interface{}{
				"content": map[string]interface{}{"type": "string"},
				"url":     map[string]interface{}{"type": "string"},
				"title":   map[string]interface{}{"type": "string"},
				"source":  map[string]interface{}{"const": "web"},
			}),
			SideEffects: []string{"network"},
		},
		{
			Name:        OpSynthesize,
			Version:     "v1",
			Description: "Synthesizes findings into a report",
			InputSchema: obj(map[string]interface{}{
				"findings": map[string]interface{}{"type": "array"},
			}),
			OutputSchema: obj(map[string]interface{}{
				"report": map[string]interface{}{"type": "string"},
			}),
		},
	}
}

// Registry holds validated capability Cards keyed by name.
type Registry struct {
	capabilities map[string]Card
}

// ErrCapabilityMissing indicates a required capability is not registered.
var ErrCapabilityMissing = fmt.Errorf("required capability missing")

// NewRegistry validates Cards and ensures required capabilities exist.
func NewRegistry(cards []Card, signingSecret string, required []string) (*Registry, error) {
	reg := &Registry{capabilities: make(map[string]Card)}
	for _, c := range cards {
		if err := validateSignature(c, signingSecret); err != nil {
			return nil, fmt.Errorf("capability %s@%s signature invalid: %w", c.Name, c.Version, err)
		}
		existing, ok := reg.capabilities[c.Name]
		if !ok || versionGreater(c.Version, existing.Version) {
			reg.capabilities[c.Name] = c
		}
	}
	if len(required) == 0 {
		required = []string{OpSearchRAG, OpSearchWeb, OpSynthesize}
	}
	for _, r := range required {
		if _, ok := reg.capabilities[r]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrCapabilityMissing, r)
		}
	}
	return reg, nil
}

// Capability returns the Card for a capability name.
func (r *Registry) Capability(name string) (Card, bool) {
	if r == nil {
		return Card{}, false
	}
	c, ok := r.capabilities[name]
	return c, ok
}

// Cards returns the registered capability Cards ordered by name.
func (r *Registry) Cards() []Card {
	if r == nil {
		return nil
	}
	out := make([]Card, 0, len(r.capabilities))
	for _, c := range r.capabilities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ComputeChecksum returns a deterministic hash of the Card payload (excluding signature field).
func ComputeChecksum(c Card) (string, error) {
	payload := map[string]interface{}{
		"name":          c.Name,
		"version":       c.Version,
		"description":   c.Description,
		"input_schema":  c.InputSchema,
		"output_schema": c.OutputSchema,
		"side_effects":  c.SideEffects,
	}
	normalized, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// SignCard computes an HMAC signature using the signing secret.
func SignCard(c Card, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("signing secret is empty")
	}
	checksum, err := ComputeChecksum(c)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(checksum))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func validateSignature(c Card, secret string) error {
	if secret == "" {
		return nil
	}
	expected, err := SignCard(c, secret)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(c.Signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func versionGreater(a, b string) bool {
	if a == b {
		return false
	}
	// naive semver compare
	return versionCompare(splitVersion(a), splitVersion(b)) > 0
}

func splitVersion(v string) []int {
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		fmt.Sscanf(p, "%d", &out[i])
	}
	return out
}

func versionCompare(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ai, bi := 0, 0
		if i < len(a) {
			ai = a[i]
		}
		if i < len(b) {
			bi = b[i]
		}
		if ai > bi {
			return 1
		}
		if ai < bi {
			return -1
		}
	}
	return 0
}
