package composer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/AilvenLiu/cad-recognition/internal/domain"
)

// SlotKind identifies what a slot interpolates from a stage result
type SlotKind int

const (
	SlotDetectionImage SlotKind = iota
	SlotOCRImage
	SlotOCRText
)

func (k SlotKind) String() string {
	switch k {
	case SlotDetectionImage:
		return "detection_image"
	case SlotOCRImage:
		return "ocr_image"
	case SlotOCRText:
		return "ocr_text"
	default:
		return "slot(" + strconv.Itoa(int(k)) + ")"
	}
}

// EachSource makes a slot expand once per stage result, in input order
const EachSource = -1

// sourcePlaceholder in a slot label is replaced with the 1-based source number
const sourcePlaceholder = "{n}"

// Slot is one placeholder in the document layout
type Slot struct {
	Kind   SlotKind
	Source int
	Label  string
}

func (s Slot) name() string {
	if s.Source == EachSource {
		return s.Kind.String() + "[*]"
	}
	return fmt.Sprintf("%s[%d]", s.Kind, s.Source)
}

// Section groups slots under an optional heading.
// When Repeat is set the whole slot list is rendered once per source and
// every slot's Source is ignored.
type Section struct {
	Title  string
	Class  string
	Repeat bool
	Slots  []Slot
}

// Template describes the slot layout of a composite document.
// Arity 0 accepts any non-zero number of stage results.
type Template struct {
	Name          string
	Title         string
	Arity         int
	TextSeparator string
	Style         string
	Script        string
	Sections      []Section
}

// Validate checks the template structure independently of any input
func (t *Template) Validate() error {
	if t == nil {
		return &domain.TemplateError{Reason: "template is nil"}
	}
	if t.Name == "" {
		return &domain.TemplateError{Reason: "name is required"}
	}
	if t.Arity < 0 {
		return &domain.TemplateError{Template: t.Name, Reason: "arity must not be negative"}
	}
	if len(t.Sections) == 0 {
		return &domain.TemplateError{Template: t.Name, Reason: "template has no sections"}
	}

	for i, section := range t.Sections {
		if len(section.Slots) == 0 {
			return &domain.TemplateError{Template: t.Name, Slot: fmt.Sprintf("sections[%d]", i), Reason: "section has no slots"}
		}
		for _, slot := range section.Slots {
			if slot.Kind < SlotDetectionImage || slot.Kind > SlotOCRText {
				return &domain.TemplateError{Template: t.Name, Slot: slot.name(), Reason: "unknown slot kind"}
			}
			if section.Repeat {
				continue
			}
			if slot.Source < EachSource {
				return &domain.TemplateError{Template: t.Name, Slot: slot.name(), Reason: "invalid source index"}
			}
			if t.Arity > 0 && slot.Source >= t.Arity {
				return &domain.TemplateError{Template: t.Name, Slot: slot.name(), Reason: fmt.Sprintf("source exceeds template arity %d", t.Arity)}
			}
		}
	}
	return nil
}

func formatLabel(label string, source int) string {
	if label == "" {
		return ""
	}
	return strings.ReplaceAll(label, sourcePlaceholder, strconv.Itoa(source+1))
}

// Registry holds named templates
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry creates a registry preloaded with the built-in templates
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]*Template)}
	for _, t := range []*Template{ComparisonTemplate(), ReportTemplate()} {
		r.templates[t.Name] = t
	}
	return r
}

// Register adds or replaces a template after validating it
func (r *Registry) Register(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = t
	return nil
}

// Lookup returns the named template or a TemplateError
func (r *Registry) Lookup(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return nil, &domain.TemplateError{Template: name, Reason: "unknown template"}
	}
	return t, nil
}

// Names returns registered template names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
