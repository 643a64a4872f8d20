package objectkey

import (
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// Generator defines the interface for storage key strategies
type Generator interface {
	// AssetKey returns the final key for committed bytes. It depends only on
	// the content, so retries of the same upload target the same key.
	AssetKey(contentHash, mimeType string) string

	// QuarantineKey returns the staging key for an upload attempt
	QuarantineKey(attempt uuid.UUID) string
}

// QuarantinePrefix is the key prefix under which staged uploads live.
const QuarantinePrefix = "quarantine/"

// FlatGenerator stores every asset directly below Prefix.
// Layout: {prefix}/{hash}{ext}
type FlatGenerator struct {
	Prefix string
}

func NewFlatGenerator(prefix string) *FlatGenerator {
	return &FlatGenerator{Prefix: prefix}
}

func (g *FlatGenerator) AssetKey(contentHash, mimeType string) string {
	return joinPrefix(g.Prefix, sanitizePathComponent(contentHash)+extension(mimeType))
}

func (g *FlatGenerator) QuarantineKey(attempt uuid.UUID) string {
	return QuarantinePrefix + attempt.String()
}

// GitLikeGenerator provides Git-style sharded storage keyed by content hash
// Layout: {prefix}/objects/ab/cdef0123...{ext}
type GitLikeGenerator struct {
	Prefix string
	// ShardLength controls how many characters to use for sharding (default: 2)
	ShardLength int
}

func NewGitLikeGenerator(prefix string) *GitLikeGenerator {
	return &GitLikeGenerator{
		Prefix:      prefix,
		ShardLength: 2,
	}
}

func (g *GitLikeGenerator) AssetKey(contentHash, mimeType string) string {
	hash := sanitizePathComponent(contentHash)
	shard := g.ShardLength
	if shard <= 0 {
		shard = 2
	}
	if len(hash) <= shard {
		return joinPrefix(g.Prefix, "objects/"+hash+extension(mimeType))
	}
	return joinPrefix(g.Prefix, fmt.Sprintf("objects/%s/%s%s", hash[:shard], hash[shard:], extension(mimeType)))
}

func (g *GitLikeGenerator) QuarantineKey(attempt uuid.UUID) string {
	return QuarantinePrefix + attempt.String()
}

// ThumbnailKey returns the cache key of a derived image variant:
// {prefix}/{YYYY}/{MM}/{DD}/{hash}/{variant}_v{version}.{format}, dated by
// the asset's creation time in UTC.
func ThumbnailKey(prefix string, createdAt time.Time, contentHash, variant string, version int, format string) string {
	t := createdAt.UTC()
	return joinPrefix(prefix, fmt.Sprintf("%04d/%02d/%02d/%s/%s_v%d.%s",
		t.Year(), int(t.Month()), t.Day(),
		sanitizePathComponent(contentHash), sanitizePathComponent(variant), version, sanitizePathComponent(format)))
}

// ReasonKey returns the sidecar key recording why a variant was not generated.
func ReasonKey(thumbnailKey string) string {
	return thumbnailKey + ".reason"
}

func joinPrefix(prefix, rest string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return rest
	}
	return prefix + "/" + rest
}

// extension maps a MIME type to its canonical file extension, or "".
func extension(mimeType string) string {
	if mimeType == "" {
		return ""
	}
	m := mimetype.Lookup(mimeType)
	if m == nil {
		return ""
	}
	return m.Extension()
}

func sanitizePathComponent(component string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
		"..", "_",
		"\x00", "_",
	)
	return strings.ToLower(replacer.Replace(component))
}
