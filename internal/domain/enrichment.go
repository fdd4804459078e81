package domain

// EnrichmentRequest is sent to the external enrichment service.
type EnrichmentRequest struct {
	URL      string  `json:"url"`
	EntityID *string `json:"entityId"`
	Platform string  `json:"platform"`
}

// EnrichmentResult is the descriptive metadata returned for a URL.
type EnrichmentResult struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
	Image       string `json:"image,omitempty"`
	Favicon     string `json:"favicon,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// ImageRef returns the thumbnail if present, otherwise the image.
func (r EnrichmentResult) ImageRef() string {
	if r.Thumbnail != "" {
		return r.Thumbnail
	}
	return r.Image
}

// HasText reports whether title or description text is present.
func (r EnrichmentResult) HasText() bool {
	return r.Title != "" || r.Description != ""
}
