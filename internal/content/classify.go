package content

import (
	"net/url"
	"path"
	"strings"
)

// extCategories maps lowercase file extensions to internal categories.
var extCategories = map[string]Category{
	// Source code and config.
	".js": CategoryCode, ".jsx": CategoryCode, ".ts": CategoryCode, ".tsx": CategoryCode,
	".py": CategoryCode, ".go": CategoryCode, ".rs": CategoryCode, ".java": CategoryCode,
	".c": CategoryCode, ".cpp": CategoryCode, ".h": CategoryCode, ".hpp": CategoryCode,
	".rb": CategoryCode, ".php": CategoryCode, ".swift": CategoryCode, ".kt": CategoryCode,
	".scala": CategoryCode, ".sh": CategoryCode, ".sql": CategoryCode,
	".yaml": CategoryCode, ".yml": CategoryCode, ".toml": CategoryCode, ".ini": CategoryCode,

	// Plain text.
	".txt": CategoryTextFile, ".md": CategoryTextFile, ".log": CategoryTextFile,

	// Structured data.
	".json": CategoryDataFile, ".csv": CategoryDataFile, ".tsv": CategoryDataFile,
	".xml": CategoryDataFile,

	// Office documents.
	".doc": CategoryDocument, ".docx": CategoryDocument, ".odt": CategoryDocument,
	".rtf": CategoryDocument, ".xls": CategoryDocument, ".xlsx": CategoryDocument,
	".ppt": CategoryDocument, ".pptx": CategoryDocument,

	".pdf": CategoryPDF,

	// Media.
	".jpg": CategoryImage, ".jpeg": CategoryImage, ".png": CategoryImage,
	".gif": CategoryImage, ".webp": CategoryImage, ".bmp": CategoryImage,
	".svg": CategoryImage, ".tiff": CategoryImage,

	".mp3": CategoryAudio, ".wav": CategoryAudio, ".ogg": CategoryAudio,
	".flac": CategoryAudio, ".aac": CategoryAudio, ".m4a": CategoryAudio,

	".mp4": CategoryVideo, ".avi": CategoryVideo, ".mov": CategoryVideo,
	".webm": CategoryVideo, ".mkv": CategoryVideo, ".flv": CategoryVideo,
}

// imageHosts are known image-hosting domains used as a last-resort heuristic
// for extensionless URLs.
var imageHosts = []string{
	"picsum.photos",
	"unsplash.com",
	"pexels.com",
	"imgur.com",
	"flickr.com",
}

// imageKeywords hint that an extensionless URL points at an image.
var imageKeywords = []string{"image", "photo", "picture", "img", "avatar", "thumbnail"}

// Classify resolves the internal category for an item. Precedence: an explicit
// MIME/format hint wins, then the extension table, then the image-URL
// heuristic. Items that resolve to no category are excluded from every lane.
func Classify(it *Item) Category {
	if c := categoryFromMediaType(it.MediaType); c != CategoryUnknown {
		it.Category = c
		return c
	}

	ext := it.Ext
	if ext == "" && it.Kind != KindInline {
		ext = extractExt(it.Ref)
		it.Ext = ext
	}
	if c, ok := extCategories[ext]; ok {
		it.Category = c
		return c
	}

	if it.Kind == KindURL && looksLikeImageURL(it.Ref) {
		it.Category = CategoryImage
		return CategoryImage
	}

	it.Category = CategoryUnknown
	return CategoryUnknown
}

func categoryFromMediaType(mt string) Category {
	mt = strings.ToLower(mt)
	switch {
	case mt == "":
		return CategoryUnknown
	case strings.HasPrefix(mt, "image/"):
		return CategoryImage
	case strings.HasPrefix(mt, "audio/"):
		return CategoryAudio
	case strings.HasPrefix(mt, "video/"):
		return CategoryVideo
	case mt == "application/pdf":
		return CategoryPDF
	case mt == "application/json", mt == "text/csv", mt == "application/xml", mt == "text/xml":
		return CategoryDataFile
	case strings.HasPrefix(mt, "text/"):
		return CategoryTextFile
	case strings.HasPrefix(mt, "application/vnd.openxmlformats-officedocument"),
		strings.HasPrefix(mt, "application/msword"),
		strings.HasPrefix(mt, "application/vnd.ms-"):
		return CategoryDocument
	default:
		return CategoryUnknown
	}
}

// extractExt pulls the lowercase extension from a URL or path, ignoring query
// strings and fragments.
func extractExt(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		p = u.Path
	}
	return strings.ToLower(path.Ext(p))
}

func looksLikeImageURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Host)
	for _, h := range imageHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	lower := strings.ToLower(raw)
	for _, kw := range imageKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
