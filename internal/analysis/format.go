package analysis

import (
	"path/filepath"
	"strings"
)

const fallbackExtension = "mp4"

var extensionsByType = map[string]string{
	"audio/webm":             "webm",
	"audio/webm;codecs=opus": "webm",
	"audio/mp4":              "mp4",
	"audio/mpeg":             "mp3",
	"audio/ogg":              "ogg",
	"audio/wav":              "wav",
}

var typesByExtension = map[string]string{
	".webm": "audio/webm",
	".mp4":  "audio/mp4",
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".wav":  "audio/wav",
}

// baseType strips parameters (";codecs=...") and whitespace.
func baseType(mediaType string) string {
	base, _, _ := strings.Cut(mediaType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// Extension maps a media type to the file extension transcription backends
// use for format detection. Unknown types fall back to mp4.
func Extension(mediaType string) string {
	normalized := strings.ToLower(strings.ReplaceAll(mediaType, " ", ""))
	if ext, ok := extensionsByType[normalized]; ok {
		return ext
	}
	if ext, ok := extensionsByType[baseType(mediaType)]; ok {
		return ext
	}
	return fallbackExtension
}

// FileName is the synthetic upload name for audio of mediaType.
func FileName(mediaType string) string {
	return "audio." + Extension(mediaType)
}

// MediaTypeForFile guesses the media type of a file on disk from its extension.
func MediaTypeForFile(path string) string {
	return typesByExtension[strings.ToLower(filepath.Ext(path))]
}

func isAudioType(mediaType string) bool {
	return strings.HasPrefix(baseType(mediaType), "audio/")
}
