// Package searchquery builds Windows search-ms: URIs from structured
// filters.
package searchquery

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/opentalon/relay/internal/capability"
)

const Name = "create_search_ms_query"

var DefaultKinds = []string{"picture", "document", "music", "video"}

// crumbs are the optional filters in emission order.
var crumbs = []struct {
	param  string
	prefix string
	desc   string
}{
	{"createdDate", "System.DateCreated:>=", "Earliest creation date (YYYY-MM-DD)"},
	{"createdDateEnd", "System.DateCreated:<=", "Latest creation date (YYYY-MM-DD)"},
	{"modifiedDate", "System.DateModified:>=", "Earliest modification date (YYYY-MM-DD)"},
	{"minSize", "System.Size:>=", "Minimum file size in bytes"},
	{"maxSize", "System.Size:<=", "Maximum file size in bytes"},
	{"fileName", "System.FileName:~=", "Text the file name must contain"},
}

// Builder is the query-string capability. The current folder set by
// UpdateContext is its only state.
type Builder struct {
	kinds []string

	mu      sync.RWMutex
	current string
}

// New returns a builder accepting kinds, DefaultKinds when empty.
func New(kinds []string) *Builder {
	if len(kinds) == 0 {
		kinds = DefaultKinds
	}
	k := make([]string, len(kinds))
	for i, v := range kinds {
		k[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return &Builder{kinds: k}
}

// UpdateContext sets the folder relative locations resolve against.
func (b *Builder) UpdateContext(location string) {
	b.mu.Lock()
	b.current = strings.TrimSpace(location)
	b.mu.Unlock()
}

func (b *Builder) CurrentLocation() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

func (b *Builder) Descriptor() capability.Descriptor {
	params := []capability.Parameter{
		{Name: "displayName", Type: capability.TypeString, Required: true, Description: "Title shown for the search results"},
		{Name: "kind", Type: capability.TypeString, Required: true, AllowedValues: b.kinds, Description: "Kind of file to find"},
		{Name: "location", Type: capability.TypeString, Required: true, Description: `Folder to search, e.g. C:\Users or "." for the current folder`},
	}
	for _, c := range crumbs {
		params = append(params, capability.Parameter{Name: c.param, Type: capability.TypeString, Description: c.desc})
	}
	return capability.Descriptor{
		Name:            Name,
		Description:     "Build a Windows search query (search-ms: URI) for files on this computer.",
		Parameters:      params,
		TriggerKeywords: []string{"find", "search", "files", "pictures", "documents"},
	}
}

func (b *Builder) Execute(_ context.Context, params capability.Params) capability.Result {
	display, ok := nonEmpty(params, "displayName")
	if !ok {
		return capability.FailParam(capability.MissingParameter, "displayName", "displayName is required")
	}
	kind, ok := nonEmpty(params, "kind")
	if !ok {
		return capability.FailParam(capability.MissingParameter, "kind", "kind is required")
	}
	if !b.knownKind(kind) {
		return capability.FailParam(capability.InvalidParameter, "kind", "kind %q is not one of %s", kind, strings.Join(b.kinds, ", "))
	}
	loc, ok := nonEmpty(params, "location")
	if !ok {
		return capability.FailParam(capability.MissingParameter, "location", "location is required")
	}
	loc = b.resolve(loc)

	var sb strings.Builder
	sb.WriteString("search-ms:displayname=")
	sb.WriteString(encode(display))
	sb.WriteString("&crumb=kind:=")
	sb.WriteString(encode(strings.ToLower(kind)))
	for _, c := range crumbs {
		if v, ok := nonEmpty(params, c.param); ok {
			sb.WriteString("&crumb=")
			sb.WriteString(c.prefix)
			sb.WriteString(encode(v))
		}
	}
	sb.WriteString("&crumb=location:")
	sb.WriteString(encode(loc))

	query := sb.String()
	return capability.Success(map[string]any{
		"query":    query,
		"location": loc,
	}, "Here is your search query: "+query)
}

func (b *Builder) knownKind(kind string) bool {
	for _, k := range b.kinds {
		if strings.EqualFold(k, kind) {
			return true
		}
	}
	return false
}

// resolve joins a relative location onto the current folder. Absolute
// locations, and any location when no folder is set, are used verbatim.
func (b *Builder) resolve(loc string) string {
	if isAbsolute(loc) {
		return loc
	}
	cur := b.CurrentLocation()
	if cur == "" {
		return loc
	}
	if loc == "." {
		return cur
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(loc, `.\`), "./")
	sep := "/"
	if strings.Contains(cur, `\`) {
		sep = `\`
	}
	if strings.HasSuffix(cur, `\`) || strings.HasSuffix(cur, "/") {
		return cur + rel
	}
	return cur + sep + rel
}

func isAbsolute(p string) bool {
	if strings.HasPrefix(p, `\`) || strings.HasPrefix(p, "/") {
		return true
	}
	return len(p) >= 2 && p[1] == ':' && isLetter(p[0])
}

func isLetter(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func nonEmpty(params capability.Params, name string) (string, bool) {
	v, ok := params.String(name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// encode is query escaping with spaces as %20, which the shell expects.
func encode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
