// Package vault implements the engine that maintains a private, on-disk
// vault of encrypted images: the encrypted catalog with its durable
// ordering, the background task lifecycle, the decrypted-bytes cache and
// the reconstruction protocol that rebuilds the catalog from disk.
package vault

import (
	"image"
	"path/filepath"
	"strings"
	"time"

	"github.com/foilvault-io/foilvault/vault/pool"
)

// Envelope headers written and read by the engine.
const (
	headerOriginalPath     = "Original-Path"
	headerModificationTime = "Modification-Time"
	headerAccessTime       = "Access-Time"
	headerOrientation      = "Orientation"
	headerTitle            = "Title"
	headerThumbFullWidth   = "Full-Width"
	headerThumbFullHeight  = "Full-Height"
)

// timeFormat is the ISO-8601 form used for the time headers.
const timeFormat = time.RFC3339Nano

// FoilState is the engine's externally visible key/vault state.
type FoilState int

const (
	// FoilKeyMissing means no key file exists yet.
	FoilKeyMissing FoilState = iota
	// FoilKeyInvalid means the key file is present but unusable.
	FoilKeyInvalid
	// FoilKeyNotEncrypted means the key file is not passphrase-protected.
	FoilKeyNotEncrypted
	// FoilKeyError means key generation failed.
	FoilKeyError
	// FoilGeneratingKey means a GenerateKey task is running.
	FoilGeneratingKey
	// FoilLocked means the vault is locked.
	FoilLocked
	// FoilLockedTimedOut means the vault locked itself after a timeout.
	FoilLockedTimedOut
	// FoilDecrypting means the catalog is being reconstructed from disk.
	FoilDecrypting
	// FoilPicsReady means the vault is unlocked and the catalog is live.
	FoilPicsReady
)

func (s FoilState) String() string {
	switch s {
	case FoilKeyMissing:
		return "KeyMissing"
	case FoilKeyInvalid:
		return "KeyInvalid"
	case FoilKeyNotEncrypted:
		return "KeyNotEncrypted"
	case FoilKeyError:
		return "KeyError"
	case FoilGeneratingKey:
		return "GeneratingKey"
	case FoilLocked:
		return "Locked"
	case FoilLockedTimedOut:
		return "LockedTimedOut"
	case FoilDecrypting:
		return "Decrypting"
	case FoilPicsReady:
		return "PicsReady"
	}
	return "Unknown"
}

// Size is a pixel size.
type Size struct {
	Width  int
	Height int
}

// Role identifies one per-row attribute exposed to observers.
type Role int

const (
	RoleURL Role = iota
	RoleThumbnail
	RoleDecryptedData
	RoleOrientation
	RoleMimeType
	RoleTitle
	RoleFileName
	RoleImageWidth
	RoleImageHeight
)

func (r Role) String() string {
	switch r {
	case RoleURL:
		return "url"
	case RoleThumbnail:
		return "thumbnail"
	case RoleDecryptedData:
		return "decryptedData"
	case RoleOrientation:
		return "orientation"
	case RoleMimeType:
		return "mimeType"
	case RoleTitle:
		return "title"
	case RoleFileName:
		return "fileName"
	case RoleImageWidth:
		return "imageWidth"
	case RoleImageHeight:
		return "imageHeight"
	}
	return "unknown"
}

// Entry is one row of the catalog, describing one encrypted image.
type Entry struct {
	// StoredPath is the absolute path of the encrypted image envelope.
	StoredPath string
	// ThumbName is the basename of the encrypted thumbnail envelope,
	// empty if none.
	ThumbName string
	// OriginalPath is the path recorded at import, used as the export
	// destination.
	OriginalPath string
	// Title is the display title, defaulting to the original basename
	// without extension.
	Title string
	// ContentType is the MIME type recorded at import, possibly empty.
	ContentType string
	// Orientation is in degrees, one of 0, 90, 180, 270.
	Orientation int
	// FullWidth and FullHeight are the full image's pixel dimensions.
	FullWidth  int
	FullHeight int
	// ModTime and AccessTime are the original file times.
	ModTime    time.Time
	AccessTime time.Time
	// Thumbnail is the decoded thumbnail bitmap.
	Thumbnail image.Image
	// Bytes optionally caches the decrypted full image.
	Bytes []byte

	decryptTask *pool.Submission
}

// StoredName returns the basename of the encrypted image envelope, the
// random 16-hex-char name chosen at import.
func (e *Entry) StoredName() string {
	return filepath.Base(e.StoredPath)
}

// DefaultTitle derives a display title from an original path: the basename
// without its extension.
func DefaultTitle(originalPath string) string {
	base := filepath.Base(originalPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
