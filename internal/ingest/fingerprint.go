package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
)

// AlertNameLabel is the label carrying the alerting rule name
const AlertNameLabel = "alertname"

// Fingerprint hashes the alert name and its identifying labels. With no identifying
// keys every label takes part. Keys missing from labels are ignored.
func Fingerprint(name string, labels map[string]string, identifying []string) string {
	keys := identifying
	if len(keys) == 0 {
		keys = make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
	}
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		if k == AlertNameLabel {
			continue
		}
		v, ok := labels[k]
		if !ok {
			continue
		}
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
