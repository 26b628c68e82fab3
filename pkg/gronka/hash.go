package gronka

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashBytes computes the content hash over raw bytes. The hash is the sole
// identity for stored artifacts; identical bytes always produce identical
// identifiers. Zero-length input hashes normally.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashBytesWithTransform computes the content hash over the transformed bytes
// plus the transform discriminator, so that "optimize at level 35" and
// "trim 0-5s" each get stable, separately cacheable identities. A zero spec
// degenerates to HashBytes.
func HashBytesWithTransform(data []byte, spec TransformSpec) string {
	disc := spec.Discriminator()
	if disc == "" {
		return HashBytes(data)
	}
	h := sha256.New()
	h.Write(data)
	h.Write([]byte(disc))
	return hex.EncodeToString(h.Sum(nil))
}

// HashSourceURL computes the ledger key for a source URL. Transform
// parameters participate in the key when present, since they change the
// output.
func HashSourceURL(rawURL string, spec TransformSpec) string {
	if disc := spec.Discriminator(); disc != "" {
		return HashBytes([]byte(fmt.Sprintf("%s|%s", rawURL, disc)))
	}
	return HashBytes([]byte(rawURL))
}

// ObjectKey returns the canonical storage key for a content hash. Keys are
// sharded by the leading hash bytes to keep directory fan-out flat.
func ObjectKey(hash string, kind MediaKind, extension string) string {
	shard := hash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	if extension == "" {
		return fmt.Sprintf("objects/%s/%s/%s", kind, shard, hash)
	}
	return fmt.Sprintf("objects/%s/%s/%s.%s", kind, shard, hash, extension)
}
