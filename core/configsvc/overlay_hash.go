package configsvc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// overlayHash fingerprints merged overlay data. encoding/json writes map keys
// sorted at every depth, so equal documents hash equal regardless of how they
// were built.
func overlayHash(data map[string]any) (string, error) {
	if data == nil {
		return "", nil
	}
	h := sha256.New()
	enc := json.NewEncoder(h)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return "", fmt.Errorf("hash overlay: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// overlayVersion renders the revision of each scope, system first.
func overlayVersion(revisions map[Scope]int64) string {
	var b strings.Builder
	for i, scope := range []Scope{ScopeSystem, ScopeInstance} {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(string(scope))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(revisions[scope], 10))
	}
	return b.String()
}
