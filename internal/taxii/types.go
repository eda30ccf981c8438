package taxii

import (
	"encoding/json"

	"github.com/BedeschiL/Taxii-client/internal/stix"
)

// MediaType is the TAXII 2.1 media type sent in Accept.
const MediaType = "application/taxii+json;version=2.1"

// Credentials for HTTP basic authentication. An empty Username sends no
// Authorization header.
type Credentials struct {
	Username string
	Password string
}

// Discovery is the server discovery resource.
type Discovery struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Contact     string   `json:"contact,omitempty"`
	Default     string   `json:"default,omitempty"`
	APIRoots    []string `json:"api_roots"`
}

// APIRoot is the API root information resource.
type APIRoot struct {
	URL              string   `json:"url"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Versions         []string `json:"versions,omitempty"`
	MaxContentLength int64    `json:"max_content_length,omitempty"`
}

// Collection is a collection resource under an API root.
type Collection struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Alias       string   `json:"alias,omitempty"`
	CanRead     bool     `json:"can_read"`
	CanWrite    bool     `json:"can_write"`
	MediaTypes  []string `json:"media_types,omitempty"`
}

// ObjectsRequest selects the objects endpoint of one collection.
type ObjectsRequest struct {
	APIRoot      string
	CollectionID string
	Credentials  Credentials

	// Limit is the requested page size; zero leaves it to the server.
	Limit int
	// Types becomes match[type]; empty requests every type.
	Types []string
	// AddedAfter is the initial added_after bound (RFC 3339), optional.
	AddedAfter string
}

// Cursor continues a paginated objects walk. Next is the TAXII "next"
// token; AddedAfter is the added_after bound for servers that paginate by
// X-TAXII-Date-Added-Last instead.
type Cursor struct {
	Next       string
	AddedAfter string
}

// Page is one objects response.
type Page struct {
	Objects []stix.Object
	More    bool
	// NextCursor is nil when the server gave no way to continue.
	NextCursor *Cursor

	DateAddedFirst string
	DateAddedLast  string
}

type envelope struct {
	More    bool              `json:"more"`
	Next    string            `json:"next,omitempty"`
	Objects []json.RawMessage `json:"objects,omitempty"`
}
