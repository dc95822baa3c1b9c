// Package media defines the shared vocabulary for catalog paths: relative
// path normalization, media type classification by extension, and the
// derivation of artifact locations from a source path.
//
// A normalized path uses POSIX separators, has no leading or trailing
// slash, and never contains "." or ".." elements. The empty string denotes
// the photo root itself.
package media

import (
	"crypto/sha1"
	"encoding/hex"
	"path"
	"strings"

	"github.com/stillframe/shoebox/internal/faults"
)

// Type classifies a catalog item.
type Type string

// Catalog item types.
const (
	TypeAlbum Type = "album"
	TypePhoto Type = "photo"
	TypeVideo Type = "video"
)

// Artifact extensions.
const (
	// ThumbExtImage is the thumbnail extension for photo sources.
	ThumbExtImage = ".webp"

	// ThumbExtVideo is the thumbnail extension for video sources.
	ThumbExtVideo = ".jpg"

	// hlsDirHashLen is the hex length of the per-video HLS directory name.
	hlsDirHashLen = 16
)

// PlaylistName is the HLS playlist file name inside an artifact directory.
const PlaylistName = "index.m3u8"

// photoExts holds recognized photo extensions, lowercase with dot.
var photoExts = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {},
	".bmp": {}, ".tiff": {}, ".tif": {}, ".heic": {}, ".heif": {}, ".avif": {},
}

// videoExts holds recognized video extensions, lowercase with dot.
var videoExts = map[string]struct{}{
	".mp4": {}, ".mov": {}, ".mkv": {}, ".avi": {}, ".webm": {},
	".m4v": {}, ".mts": {}, ".m2ts": {}, ".3gp": {}, ".wmv": {}, ".flv": {},
}

// skipNames are directory or file names the indexer never descends into.
var skipNames = map[string]struct{}{
	"@eaDir":     {},
	".tmp":       {},
	SentinelName: {},
}

// skipPrefix marks transient optimization directories some NAS tools create.
const skipPrefix = "temp_opt_"

// SentinelName is the write-test file the boot sequence creates and removes.
const SentinelName = ".writetest"

// Normalize converts a raw relative path into canonical catalog form.
// It rejects absolute paths, traversal outside the root, and NUL bytes.
func Normalize(raw string) (string, error) {
	if strings.ContainsRune(raw, 0) {
		return "", faults.New(faults.KindValidation, faults.CodePathNotFound, "path contains NUL byte")
	}

	cleaned := path.Clean(strings.ReplaceAll(raw, "\\", "/"))
	cleaned = strings.Trim(cleaned, "/")

	if cleaned == "." {
		return "", nil
	}

	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", faults.Newf(faults.KindValidation, faults.CodePathNotFound, "path escapes root: %q", raw)
	}

	return cleaned, nil
}

// TypeOf classifies a normalized path by extension. Paths without a known
// media extension classify as TypeAlbum (directories carry no extension).
func TypeOf(rel string) Type {
	ext := strings.ToLower(path.Ext(rel))

	if _, ok := photoExts[ext]; ok {
		return TypePhoto
	}

	if _, ok := videoExts[ext]; ok {
		return TypeVideo
	}

	return TypeAlbum
}

// IsMedia reports whether the path carries a recognized photo or video
// extension.
func IsMedia(rel string) bool {
	return TypeOf(rel) != TypeAlbum
}

// ShouldSkip reports whether a base name is excluded from indexing:
// NAS metadata dirs, transient temp dirs, and the write-test sentinel.
func ShouldSkip(name string) bool {
	if _, ok := skipNames[name]; ok {
		return true
	}

	return strings.HasPrefix(name, skipPrefix)
}

// Parent returns the parent path of a normalized path, empty for top-level
// entries.
func Parent(rel string) string {
	dir := path.Dir(rel)
	if dir == "." || dir == "/" {
		return ""
	}

	return dir
}

// ParentChain returns every ancestor album path of rel, nearest first,
// excluding the root. For "a/b/c.jpg" it returns ["a/b", "a"].
func ParentChain(rel string) []string {
	var chain []string

	for dir := Parent(rel); dir != ""; dir = Parent(dir) {
		chain = append(chain, dir)
	}

	return chain
}

// ThumbRelPath derives the thumbnail location for a source path, relative
// to the thumbs root: the extension becomes .webp for photos and .jpg for
// videos. Albums have no thumbnail and return the empty string.
func ThumbRelPath(rel string) string {
	switch TypeOf(rel) {
	case TypePhoto:
		return replaceExt(rel, ThumbExtImage)
	case TypeVideo:
		return replaceExt(rel, ThumbExtVideo)
	case TypeAlbum:
		return ""
	default:
		return ""
	}
}

// HLSDir derives the per-video HLS directory name from the source path.
// The name is content-independent so it is recomputable from the path
// alone and never persisted as a key.
func HLSDir(rel string) string {
	sum := sha1.Sum([]byte(rel))

	return hex.EncodeToString(sum[:])[:hlsDirHashLen]
}

func replaceExt(rel, newExt string) string {
	ext := path.Ext(rel)
	if ext == "" {
		return rel + newExt
	}

	return rel[:len(rel)-len(ext)] + newExt
}
