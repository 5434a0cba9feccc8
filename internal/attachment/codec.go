package attachment

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"chat-sync/internal/domain"
)

// DefaultMaxBytes replica el límite de 10MB del cliente web.
const DefaultMaxBytes int64 = 10 * 1024 * 1024

// DefaultMediaTypes son los tipos de imagen aceptados por defecto.
var DefaultMediaTypes = []string{"image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp"}

var (
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrSizeExceeded         = errors.New("attachment size exceeded")
	ErrEmptyAttachment      = errors.New("empty attachment")
	ErrCorruptAttachment    = errors.New("corrupt attachment")
)

// File es un adjunto binario tal como lo entrega la capa de vista.
type File struct {
	Data      []byte
	MediaType string
	Name      string
}

// Codec convierte imágenes binarias a base64 y de vuelta aplicando la política de tipos y tamaño.
type Codec struct {
	maxBytes int64
	allowed  map[string]struct{}
}

func NewCodec(maxBytes int64, mediaTypes []string) *Codec {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(mediaTypes) == 0 {
		mediaTypes = DefaultMediaTypes
	}
	allowed := make(map[string]struct{}, len(mediaTypes))
	for _, t := range mediaTypes {
		if t = normalizeMediaType(t); t != "" {
			allowed[t] = struct{}{}
		}
	}
	return &Codec{maxBytes: maxBytes, allowed: allowed}
}

func (c *Codec) MaxBytes() int64 {
	return c.maxBytes
}

// Allowed indica si el tipo está dentro de la política.
func (c *Codec) Allowed(mediaType string) bool {
	_, ok := c.allowed[normalizeMediaType(mediaType)]
	return ok
}

// Encode valida el binario contra la política antes de codificarlo.
// Si mediaType viene vacío se detecta a partir del contenido; un binario vacío sin tipo
// declarado no se puede detectar y devuelve ErrEmptyAttachment.
func (c *Codec) Encode(data []byte, mediaType, name string) (domain.Attachment, error) {
	mediaType = normalizeMediaType(mediaType)
	if mediaType == "" {
		if len(data) == 0 {
			return domain.Attachment{}, ErrEmptyAttachment
		}
		mediaType = normalizeMediaType(mimetype.Detect(data).String())
	}
	if !c.Allowed(mediaType) {
		return domain.Attachment{}, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mediaType)
	}
	size := int64(len(data))
	if size > c.maxBytes {
		return domain.Attachment{}, fmt.Errorf("%w: %d > %d bytes", ErrSizeExceeded, size, c.maxBytes)
	}

	return domain.Attachment{
		ID:          uuid.NewString(),
		EncodedData: base64.StdEncoding.EncodeToString(data),
		MediaType:   mediaType,
		Name:        strings.TrimSpace(name),
		ByteSize:    size,
	}, nil
}

// EncodeFile es un atajo para Encode sobre un File.
func (c *Codec) EncodeFile(f File) (domain.Attachment, error) {
	return c.Encode(f.Data, f.MediaType, f.Name)
}

// Decode devuelve el binario original y verifica que coincida con ByteSize.
func (c *Codec) Decode(a domain.Attachment) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(a.EncodedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptAttachment, err)
	}
	if int64(len(data)) != a.ByteSize {
		return nil, fmt.Errorf("%w: size mismatch %d != %d", ErrCorruptAttachment, len(data), a.ByteSize)
	}
	return data, nil
}

func normalizeMediaType(mediaType string) string {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	return mediaType
}
