package dto

// FolioExtractRequest carries raw QR text to be parsed.
type FolioExtractRequest struct {
	Text string `json:"text" validate:"required,max=2048"`
}

// FolioResponse is the parsed folio of a QR payload.
type FolioResponse struct {
	Folio string `json:"folio"`
	Page  int    `json:"page,omitempty"`
	Text  string `json:"text,omitempty"`
}
