package messages

import "github.com/bytedance/sonic"

// TypeResponseCreate is the initialization envelope sent upstream on open
const TypeResponseCreate = "response.create"

// Modalities requested from the upstream model
var DefaultModalities = []string{"text", "audio"}

// ResponseCreate asks the upstream to start a response
type ResponseCreate struct {
	Type     string         `json:"type"`
	Response ResponseParams `json:"response"`
}

// ResponseParams holds the requested modalities and system instructions
type ResponseParams struct {
	Modalities   []string `json:"modalities"`
	Instructions string   `json:"instructions"`
}

// NewResponseCreate encodes the initialization envelope
func NewResponseCreate(instructions string) ([]byte, error) {
	return sonic.Marshal(ResponseCreate{
		Type: TypeResponseCreate,
		Response: ResponseParams{
			Modalities:   DefaultModalities,
			Instructions: instructions,
		},
	})
}
