package domain

import "io"

// CompositeDocument is the immutable, self-contained artifact produced by composition.
// The content buffer is owned by the document; callers only get bounded read views of it.
type CompositeDocument struct {
	content     []byte
	length      int
	contentType string
	template    string
	sources     int
}

// NewCompositeDocument takes ownership of content. The caller must not modify it afterwards.
func NewCompositeDocument(content []byte, contentType, template string, sources int) *CompositeDocument {
	return &CompositeDocument{
		content:     content,
		length:      len(content),
		contentType: contentType,
		template:    template,
		sources:     sources,
	}
}

// Len returns the byte length of the content
func (d *CompositeDocument) Len() int { return d.length }

// ContentType returns the MIME type of the content
func (d *CompositeDocument) ContentType() string { return d.contentType }

// Template returns the name of the template the document was composed with
func (d *CompositeDocument) Template() string { return d.template }

// Sources returns how many stage results were merged into the document
func (d *CompositeDocument) Sources() int { return d.sources }

// Slice returns content[start:end] with capacity clipped to the slice length,
// so appending to the result can never write into the document.
func (d *CompositeDocument) Slice(start, end int) []byte {
	return d.content[start:end:end]
}

// Bytes returns a copy of the whole content
func (d *CompositeDocument) Bytes() []byte {
	out := make([]byte, d.length)
	copy(out, d.content)
	return out
}

// WriteTo writes the content to w (implements io.WriterTo)
func (d *CompositeDocument) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(d.content[:d.length:d.length])
	return int64(n), err
}
