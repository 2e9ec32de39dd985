package upload

import (
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"

	"batch-pipeline/pkg/batch"
)

// DefaultContentTypes are the audio formats accepted when none are configured.
var DefaultContentTypes = []string{
	"audio/mpeg",
	"audio/wav",
	"audio/x-wav",
	"audio/flac",
	"audio/aac",
	"audio/ogg",
}

// Config is the per-item configuration of an upload batch.
type Config struct {
	FileName    string `json:"file_name"`
	Source      string `json:"source"`
	Title       string `json:"title"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	Genre       string `json:"genre,omitempty"`
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) == 0 {
		return cfg, fmt.Errorf("config is required")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode upload config: %w", err)
	}
	return cfg, nil
}

func (c Config) validate(allowed []string, maxBytes int64) []batch.FieldError {
	var fields []batch.FieldError
	required := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			fields = append(fields, batch.FieldError{Field: field, Message: "is required"})
		}
	}
	required("file_name", c.FileName)
	required("source", c.Source)
	required("title", c.Title)
	required("content_type", c.ContentType)

	if strings.TrimSpace(c.FileName) != "" && path.Base("/"+c.FileName) == "/" {
		fields = append(fields, batch.FieldError{Field: "file_name", Message: "must name a file"})
	}

	if c.ContentType != "" && !slices.Contains(allowed, strings.ToLower(c.ContentType)) {
		fields = append(fields, batch.FieldError{
			Field:   "content_type",
			Message: fmt.Sprintf("must be one of %s", strings.Join(allowed, ", ")),
		})
	}
	switch {
	case c.SizeBytes < 0:
		fields = append(fields, batch.FieldError{Field: "size_bytes", Message: "must not be negative"})
	case maxBytes > 0 && c.SizeBytes > maxBytes:
		fields = append(fields, batch.FieldError{
			Field:   "size_bytes",
			Message: fmt.Sprintf("exceeds the %d byte limit", maxBytes),
		})
	}
	return fields
}
