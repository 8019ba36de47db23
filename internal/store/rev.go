package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// NextRev derives the revision that follows prev for the given body. The
// digest covers the body without its _rev.
func NextRev(prev string, doc Doc) (string, error) {
	body := make(Doc, len(doc))
	for key, value := range doc {
		if key == FieldRev {
			continue
		}
		body[key] = value
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal revision body: %w", err)
	}
	hash, err := blake2b.New(16, nil)
	if err != nil {
		return "", fmt.Errorf("init revision hash: %w", err)
	}
	_, _ = hash.Write(payload)
	return fmt.Sprintf("%d-%s", RevGeneration(prev)+1, hex.EncodeToString(hash.Sum(nil))), nil
}

// RevGeneration returns the numeric prefix of a revision, 0 for "".
func RevGeneration(rev string) int {
	prefix, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(prefix)
	if err != nil {
		return 0
	}
	return n
}
