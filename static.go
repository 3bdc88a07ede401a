package reactor

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// mimeTypes is the content-type table the static responder recognizes
// by extension; anything else falls back to text/html.
var mimeTypes = map[string]string{
	".txt":   "text/plain",
	".css":   "text/css",
	".csv":   "text/csv",
	".htm":   "text/html",
	".html":  "text/html",
	".xml":   "text/xml",
	".js":    "application/javascript",
	".xhtml": "application/xhtml+xml",
	".json":  "application/json",
	".pdf":   "application/pdf",
	".zip":   "application/zip",
	".tar":   "application/x-tar",
	".gif":   "image/gif",
	".jpeg":  "image/jpeg",
	".jpg":   "image/jpeg",
	".tiff":  "image/tiff",
	".tif":   "image/tiff",
	".png":   "image/png",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".swf":   "application/x-shockwave-flash",
	".mp3":   "audio/mpeg",
	".wav":   "audio/x-wav",
	".ttf":   "font/ttf",
}

func contentTypeFor(name string) string {
	if ct, ok := mimeTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "text/html"
}

// cacheableExt reports whether name's extension marks the file as
// cacheable; everything else gets no-store headers.
func cacheableExt(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".mp3" || ext == ".wav"
}

// resolveStaticPath joins root with requestURI's decoded path,
// appending index.html for directory-style requests, and refuses to
// resolve outside root (percent-decoded "../" traversal).
func resolveStaticPath(root, requestURI string) string {
	if root == "" {
		return ""
	}
	uri, err := ParseURI(requestURI)
	if err != nil {
		return ""
	}
	for _, seg := range uri.Path {
		for _, part := range strings.Split(seg, "/") {
			if part == ".." {
				return ""
			}
		}
	}
	clean := path.Join(append([]string{"/"}, uri.Path...)...)
	full := filepath.Join(root, filepath.FromSlash(clean))
	if strings.HasSuffix(stripQuery(requestURI), "/") || clean == "/" {
		full = filepath.Join(full, "index.html")
	}

	full = filepath.Clean(full)
	rootClean := filepath.Clean(root)
	if full != rootClean && !strings.HasPrefix(full, rootClean+string(filepath.Separator)) {
		return ""
	}
	return full
}

// staticResponse serves one resolved filesystem path, honoring a single
// byte range per request (no multipart/byteranges).
type staticResponse struct {
	fullPath    string
	rangeHeader string
}

func newStaticResponse(fullPath, rangeHeader string) Response {
	return &staticResponse{fullPath: fullPath, rangeHeader: rangeHeader}
}

func (s *staticResponse) Cancel() {}

func (s *staticResponse) Handle(w ResponseWriter) {
	info, err := os.Stat(s.fullPath)
	if err != nil || info.IsDir() {
		w.Error(404, "not found")
		return
	}
	f, err := os.Open(s.fullPath)
	if err != nil {
		w.Error(404, "not found")
		return
	}
	defer f.Close()

	size := info.Size()
	start, end, partial, badRange := parseRange(s.rangeHeader, size)
	if badRange {
		w.Error(400, "invalid range")
		return
	}

	code := 200
	if partial {
		code = 206
	}
	w.Begin(code, EncodingRaw)
	w.Header("Content-Type", contentTypeFor(s.fullPath))
	w.Header("Accept-Ranges", "bytes")
	w.Header("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	if !cacheableExt(s.fullPath) {
		w.Header("Cache-Control", "no-store")
		w.Header("Pragma", "no-cache")
		w.Header("Expires", time.Now().UTC().Format(http.TimeFormat))
	}

	length := end - start + 1
	w.Header("Content-Length", strconv.FormatInt(length, 10))
	if partial {
		w.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		w.Error(500, "seek error")
		return
	}

	buf := make([]byte, 64*1024)
	remaining := length
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, rerr := f.Read(buf[:n])
		if read > 0 {
			remaining -= int64(read)
			w.Payload(buf[:read], remaining == 0)
		}
		if rerr != nil {
			break
		}
	}
	w.Finish(true)
}

// parseRange parses a "Range: bytes=..." header value against size.
// Only the first comma-separated range is honored; an empty header
// means "the whole file". badRange signals a malformed header that
// should become a 400.
func parseRange(header string, size int64) (start, end int64, partial, badRange bool) {
	if header == "" {
		return 0, size - 1, false, false
	}
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, false, true
	}

	spec := strings.TrimSpace(strings.SplitN(strings.TrimPrefix(header, "bytes="), ",", 2)[0])
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, 0, false, true
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	switch {
	case startStr == "" && endStr != "":
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false, true
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true, false

	case startStr != "" && endStr == "":
		s, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || s < 0 || s >= size {
			return 0, 0, false, true
		}
		return s, size - 1, true, false

	case startStr != "" && endStr != "":
		s, err1 := strconv.ParseInt(startStr, 10, 64)
		e, err2 := strconv.ParseInt(endStr, 10, 64)
		if err1 != nil || err2 != nil || s < 0 || e < s || s >= size {
			return 0, 0, false, true
		}
		if e >= size {
			e = size - 1
		}
		return s, e, true, false

	default:
		return 0, 0, false, true
	}
}
