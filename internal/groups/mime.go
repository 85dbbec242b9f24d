package groups

import (
	"mime"
	"path/filepath"
	"strings"
)

const DefaultMimeType = "application/octet-stream"

var outputMimeTypes = map[string]string{
	".gltf": "model/gltf+json",
	".glb":  "model/gltf-binary",
	".vtu":  "application/vnd.kitware.vtu+xml",
	".pvtu": "application/vnd.kitware.pvtu+xml",
	".vtk":  "application/vnd.kitware.vtk",
	".vtp":  "application/vnd.kitware.vtp+xml",
	".json": "application/json",
	".csv":  "text/csv",
	".txt":  "text/plain",
	".log":  "text/plain",
}

// MimeType infers a content type from the file extension.
func MimeType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return DefaultMimeType
	}
	if value, ok := outputMimeTypes[ext]; ok {
		return value
	}
	if value := mime.TypeByExtension(ext); value != "" {
		return value
	}
	return DefaultMimeType
}
