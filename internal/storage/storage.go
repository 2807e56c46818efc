// Package storage persists generated artifacts and hands back a URL the
// tabletop can load them from.
package storage

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg" // decoder registration for DecodeConfig
	_ "image/png"  // decoder registration for DecodeConfig
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Object describes a stored artifact.
type Object struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// Store persists artifact bytes.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (*Object, error)
}

// Inspect fills in the content type and, for images, the dimensions.
// The extension of name is replaced when it disagrees with the content.
func Inspect(name string, data []byte) (key string, obj Object) {
	mt := mimetype.Detect(data)
	obj.ContentType = mt.String()
	obj.Size = int64(len(data))

	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		obj.Width = cfg.Width
		obj.Height = cfg.Height
	}

	key = name
	if ext := mt.Extension(); ext != "" && !strings.EqualFold(path.Ext(name), ext) {
		key = strings.TrimSuffix(name, path.Ext(name)) + ext
	}
	obj.Key = key
	return key, obj
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
