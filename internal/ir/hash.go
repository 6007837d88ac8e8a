package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows a future algorithm migration.
const (
	DomainTaskSpec = "scenepipe/taskspec/v1"
	DomainArgs     = "scenepipe/args/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// TaskSpecDigest computes the content address of a task-spec tree given in
// its canonical map form. Equal trees always produce equal digests, so a
// persisted pipeline is stored once no matter how often it is dispatched.
func TaskSpecDigest(tree map[string]any) (string, error) {
	canonical, err := MarshalCanonical(tree)
	if err != nil {
		return "", fmt.Errorf("TaskSpecDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainTaskSpec, canonical), nil
}

// ArgsDigest fingerprints an args map. Used in logs and execution
// snapshots to tell whether a restart ran with different parameters.
func ArgsDigest(args Args) (string, error) {
	canonical, err := MarshalCanonical(args)
	if err != nil {
		return "", fmt.Errorf("ArgsDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainArgs, canonical), nil
}

// MustArgsDigest is like ArgsDigest but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustArgsDigest(args Args) string {
	d, err := ArgsDigest(args)
	if err != nil {
		panic(err)
	}
	return d
}
