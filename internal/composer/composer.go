// Package composer merges ordered stage results into a single self-contained HTML document.
package composer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AilvenLiu/cad-recognition/internal/domain"
	"github.com/AilvenLiu/cad-recognition/internal/processor"
)

// ContentType of every composed document
const ContentType = "text/html; charset=utf-8"

const layoutText = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>{{.Title}}</title>
<style>{{.Style}}</style>
</head>
<body>
<div class="container">
{{- range .Sections}}
<div class="{{.Class}}">
{{- if .Title}}
<h3>{{.Title}}</h3>
{{- end}}
{{- range .Slots}}
{{- if .Image}}
{{- if .Label}}
<h3>{{.Label}}</h3>
{{- end}}
<img class="responsive-image" src="{{.Image}}" alt="{{.Alt}}">
{{- else}}
{{- if .Label}}
<h4>{{.Label}}</h4>
{{- end}}
<div class="input">{{.Text}}</div>
{{- end}}
{{- end}}
</div>
{{- end}}
</div>
<script>{{.Script}}</script>
</body>
</html>
`

var documentLayout = template.Must(template.New("document").Parse(layoutText))

type documentView struct {
	Title    string
	Style    template.CSS
	Script   template.JS
	Sections []sectionView
}

type sectionView struct {
	Title string
	Class string
	Slots []slotView
}

type slotView struct {
	Image template.URL
	Alt   string
	Label string
	Text  string
}

// resolvedSlot is a slot bound to a concrete source index
type resolvedSlot struct {
	kind   SlotKind
	source int
	label  string
}

type resolvedSection struct {
	title string
	class string
	slots []resolvedSlot
}

// Composer builds composite documents. It holds no per-call state and is safe for concurrent use.
type Composer struct {
	encoder domain.ImageEncoder
	logger  *zap.Logger
}

// Option configures a Composer
type Option func(*Composer)

// WithEncoder sets the image encoder. Default encodes sequentially.
func WithEncoder(encoder domain.ImageEncoder) Option {
	return func(c *Composer) {
		if encoder != nil {
			c.encoder = encoder
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Composer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a composer
func New(opts ...Option) *Composer {
	c := &Composer{
		encoder: processor.SequentialEncoder{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose merges results into one document using tmpl with the default composer
func Compose(results []domain.StageResult, tmpl *Template) (*domain.CompositeDocument, error) {
	return New().Compose(context.Background(), results, tmpl)
}

// Compose validates results against tmpl and renders the composite document.
// Slot order follows input order; identical inputs give byte-identical output.
func (c *Composer) Compose(ctx context.Context, results []domain.StageResult, tmpl *Template) (*domain.CompositeDocument, error) {
	start := time.Now()

	if err := ValidateResults(results, tmpl); err != nil {
		return nil, err
	}

	sections, err := resolveSections(tmpl, len(results))
	if err != nil {
		return nil, err
	}

	// Collect referenced images once each, in first-use order
	imageIndex := make(map[resolvedSlot]int)
	var images [][]byte
	for _, section := range sections {
		for _, slot := range section.slots {
			if slot.kind == SlotOCRText {
				continue
			}
			key := resolvedSlot{kind: slot.kind, source: slot.source}
			if _, seen := imageIndex[key]; seen {
				continue
			}
			imageIndex[key] = len(images)
			images = append(images, imageFor(results[slot.source], slot.kind))
		}
	}

	uris, err := c.encoder.EncodeImages(ctx, images)
	if err != nil {
		return nil, fmt.Errorf("encode images: %w", err)
	}
	if len(uris) != len(images) {
		return nil, fmt.Errorf("encoder returned %d images, expected %d", len(uris), len(images))
	}

	view := documentView{
		Title:    tmpl.Title,
		Style:    template.CSS(tmpl.Style),
		Script:   template.JS(tmpl.Script),
		Sections: make([]sectionView, len(sections)),
	}
	for i, section := range sections {
		sv := sectionView{
			Title: section.title,
			Class: section.class,
			Slots: make([]slotView, len(section.slots)),
		}
		for j, slot := range section.slots {
			if slot.kind == SlotOCRText {
				sv.Slots[j] = slotView{
					Label: slot.label,
					Text:  strings.Join(results[slot.source].OCR.Texts, tmpl.TextSeparator),
				}
				continue
			}
			uri := uris[imageIndex[resolvedSlot{kind: slot.kind, source: slot.source}]]
			sv.Slots[j] = slotView{
				Image: template.URL(uri),
				Alt:   fmt.Sprintf("%s %d", slot.kind, slot.source+1),
				Label: slot.label,
			}
		}
		view.Sections[i] = sv
	}

	var buf bytes.Buffer
	if err := documentLayout.Execute(&buf, view); err != nil {
		return nil, &domain.TemplateError{Template: tmpl.Name, Reason: fmt.Sprintf("render: %v", err)}
	}

	doc := domain.NewCompositeDocument(buf.Bytes(), ContentType, tmpl.Name, len(results))

	c.logger.Debug("document composed",
		zap.String("template", tmpl.Name),
		zap.Int("sources", len(results)),
		zap.Int("images", len(images)),
		zap.Int("bytes", doc.Len()),
		zap.Duration("duration", time.Since(start)),
	)

	return doc, nil
}

// ValidateResults checks the template and every stage result without rendering anything
func ValidateResults(results []domain.StageResult, tmpl *Template) error {
	if err := tmpl.Validate(); err != nil {
		return err
	}
	if len(results) == 0 {
		return &domain.ValidationError{Index: -1, Field: "results", Reason: "at least one stage result is required"}
	}
	if tmpl.Arity > 0 && len(results) != tmpl.Arity {
		return &domain.ValidationError{
			Index:  -1,
			Field:  "results",
			Reason: fmt.Sprintf("template %q expects %d results, got %d", tmpl.Name, tmpl.Arity, len(results)),
		}
	}

	for i, result := range results {
		if result.Detection == nil {
			return &domain.ValidationError{Index: i, Field: "detection.annotated_image", Reason: "missing"}
		}
		if len(result.Detection.AnnotatedImage) == 0 {
			return &domain.ValidationError{Index: i, Field: "detection.annotated_image", Reason: "empty"}
		}
		if result.OCR == nil {
			return &domain.ValidationError{Index: i, Field: "ocr.annotated_image", Reason: "missing"}
		}
		if len(result.OCR.AnnotatedImage) == 0 {
			return &domain.ValidationError{Index: i, Field: "ocr.annotated_image", Reason: "empty"}
		}
	}
	return nil
}

// resolveSections binds every slot to a concrete source index
func resolveSections(tmpl *Template, sources int) ([]resolvedSection, error) {
	out := make([]resolvedSection, 0, len(tmpl.Sections))

	for _, section := range tmpl.Sections {
		rs := resolvedSection{title: section.Title, class: section.Class}

		if section.Repeat {
			for source := 0; source < sources; source++ {
				for _, slot := range section.Slots {
					rs.slots = append(rs.slots, resolvedSlot{kind: slot.Kind, source: source, label: formatLabel(slot.Label, source)})
				}
			}
			out = append(out, rs)
			continue
		}

		for _, slot := range section.Slots {
			if slot.Source == EachSource {
				for source := 0; source < sources; source++ {
					rs.slots = append(rs.slots, resolvedSlot{kind: slot.Kind, source: source, label: formatLabel(slot.Label, source)})
				}
				continue
			}
			if slot.Source >= sources {
				return nil, &domain.TemplateError{
					Template: tmpl.Name,
					Slot:     slot.name(),
					Reason:   fmt.Sprintf("only %d results supplied", sources),
				}
			}
			rs.slots = append(rs.slots, resolvedSlot{kind: slot.Kind, source: slot.Source, label: formatLabel(slot.Label, slot.Source)})
		}
		out = append(out, rs)
	}
	return out, nil
}

func imageFor(result domain.StageResult, kind SlotKind) []byte {
	if kind == SlotDetectionImage {
		return result.Detection.AnnotatedImage
	}
	return result.OCR.AnnotatedImage
}
