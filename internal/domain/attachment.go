package domain

// AttachmentDescriptor referencia contenido binario ya subido al proveedor.
// El relay nunca inspecciona el contenido; Handle es opaco.
type AttachmentDescriptor struct {
	Handle   string `json:"handle"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
}
