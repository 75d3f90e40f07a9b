package api

// PublishResponse ...
type PublishResponse struct {
	Identifier string `json:"id"`
	URL        string `json:"url,omitempty"`
}
