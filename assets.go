package reactor

import (
	"embed"
	"strconv"
	"strings"
)

//go:embed assets/_error.html assets/_error.css assets/_embedded.css assets/_jquery.min.js assets/_stats.html assets/_404.png assets/favicon.ico
var embeddedAssets embed.FS

// embeddedPaths maps a served URL path to its file inside assets/.
var embeddedPaths = map[string]string{
	"/_error.html":    "assets/_error.html",
	"/_error.css":     "assets/_error.css",
	"/_embedded.css":  "assets/_embedded.css",
	"/_jquery.min.js": "assets/_jquery.min.js",
	"/_stats.html":    "assets/_stats.html",
	"/_404.png":       "assets/_404.png",
	"/favicon.ico":    "assets/favicon.ico",
}

// lookupEmbedded returns the raw bytes of a built-in fallback asset for
// urlPath (query stripped by the caller), or ok=false if there is none.
func lookupEmbedded(urlPath string) ([]byte, bool) {
	file, ok := embeddedPaths[urlPath]
	if !ok {
		return nil, false
	}
	data, err := embeddedAssets.ReadFile(file)
	if err != nil {
		return nil, false
	}
	return data, true
}

// embeddedErrorPage fills in the %%ERRORCODE%%/%%MESSAGE%%/%%BODY%%
// placeholders in _error.html. Manual substitution: three fixed tokens
// don't need a templating engine.
func embeddedErrorPage(code int, message, body string) []byte {
	tmpl, ok := lookupEmbedded("/_error.html")
	if !ok {
		return []byte(message)
	}
	out := string(tmpl)
	out = strings.ReplaceAll(out, "%%ERRORCODE%%", strconv.Itoa(code))
	out = strings.ReplaceAll(out, "%%MESSAGE%%", message)
	out = strings.ReplaceAll(out, "%%BODY%%", body)
	return []byte(out)
}
