package objectstore

import (
	"fmt"
	"regexp"
	"strings"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeFilename strips path separators and any character outside the
// conservative [A-Za-z0-9._-] set, following the mandatory path convention.
func SafeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "file"
	}
	return name
}

// UploadKey returns the mandatory key for an original upload blob.
func UploadKey(ownerID, documentUUID, filename string) string {
	return fmt.Sprintf("tenant_%s/documents/%s/%s", ownerID, documentUUID, SafeFilename(filename))
}

// MarkdownKey returns the mandatory key for a document's converted
// Markdown blob.
func MarkdownKey(ownerID, documentID string) string {
	return fmt.Sprintf("tenant_%s/markdown/%s.md", ownerID, documentID)
}
