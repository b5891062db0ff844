// Package attachment uploads message attachments once per session and
// remembers the resulting URLs by descriptor fingerprint.
package attachment

import (
	"context"
	"errors"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrTransport marks an upload that never reached a usable answer.
	ErrTransport = errors.New("attachment upload transport failure")
	// ErrRejected marks an upload the server answered without a usable URL.
	ErrRejected = errors.New("attachment rejected by server")
	// ErrUnreadable marks a descriptor whose content could not be loaded.
	ErrUnreadable = errors.New("attachment content unreadable")
)

// Descriptor identifies attachment content without carrying its bytes.
// URI is a data: URL, a file:// URL or a plain file path.
type Descriptor struct {
	URI          string `json:"uri"`
	FriendlyName string `json:"friendlyName"`
	MimeType     string `json:"mimeType,omitempty"`
}

// Metadata accompanies the bytes handed to an Uploader.
type Metadata struct {
	FriendlyName string
	MimeType     string
}

// Reference is what an Uploader returns on success.
type Reference struct {
	URL string
}

// Uploader is the upload client collaborator.
type Uploader interface {
	Upload(ctx context.Context, data []byte, meta Metadata) (Reference, error)
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, data []byte, meta Metadata) (Reference, error)

func (f UploaderFunc) Upload(ctx context.Context, data []byte, meta Metadata) (Reference, error) {
	return f(ctx, data, meta)
}

// Entry is a cached upload result.
type Entry struct {
	Fingerprint  string `json:"fingerprint"`
	URL          string `json:"url"`
	FriendlyName string `json:"friendlyName"`
	MimeType     string `json:"mimeType"`
}

// Fingerprint derives the cache key from the descriptor identity.
func Fingerprint(d Descriptor) string {
	h := xxhash.New()
	_, _ = h.WriteString(d.URI)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(d.FriendlyName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(d.MimeType)
	return strconv.FormatUint(h.Sum64(), 16)
}
