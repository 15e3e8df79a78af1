package composer

const (
	// ComparisonTemplateName is the side-by-side layout for two drawings
	ComparisonTemplateName = "comparison"

	// ReportTemplateName lists any number of sources one after another
	ReportTemplateName = "report"
)

const defaultStyle = `
.container {
	flex-direction: column;
	align-items: center;
	margin-top: 50px;
}

.result {
	width: 100%;
}

.image-container {
	display: inline;
}

.input {
	color: #565772;
	border: 1px solid #D9DEE9;
	border-radius: 6px;
	padding: 12px;
	line-height: 24px;
	min-height: 72px;
	max-height: 100px;
	overflow: auto;
	width: 80%;
}

.responsive-image {
	width: 100%;
	max-width: 500px;
	cursor: pointer;
	transition: transform 0.3s ease;
}

.responsive-image.expanded {
	position: absolute;
	top: 50%;
	left: 50%;
	transform: translate(-50%, -50%) scale(3);
	cursor: grab;
	z-index: 10;
}
`

// Click on an image toggles the zoomed view
const defaultScript = `
const images = document.querySelectorAll('.responsive-image');
images.forEach(img => {
	img.addEventListener('click', function() {
		this.classList.toggle('expanded');
	});
});
`

// ComparisonTemplate places the detection results of two drawings side by side,
// followed by the OCR image and extracted text of each drawing.
func ComparisonTemplate() *Template {
	return &Template{
		Name:   ComparisonTemplateName,
		Title:  "检测结果",
		Arity:  2,
		Style:  defaultStyle,
		Script: defaultScript,
		Sections: []Section{
			{
				Title: "元件识别结果",
				Class: "image-container",
				Slots: []Slot{
					{Kind: SlotDetectionImage, Source: 0},
					{Kind: SlotDetectionImage, Source: 1},
				},
			},
			{
				Class: "image-container",
				Slots: []Slot{
					{Kind: SlotOCRImage, Source: 0, Label: "OCR转换结果{n}"},
					{Kind: SlotOCRText, Source: 0, Label: "文本内容"},
					{Kind: SlotOCRImage, Source: 1, Label: "OCR转换结果{n}"},
					{Kind: SlotOCRText, Source: 1, Label: "文本内容"},
				},
			},
		},
	}
}

// ReportTemplate renders every source as its own block, in input order
func ReportTemplate() *Template {
	return &Template{
		Name:          ReportTemplateName,
		Title:         "Drawing analysis report",
		TextSeparator: " ",
		Style:         defaultStyle,
		Script:        defaultScript,
		Sections: []Section{
			{
				Title: "Detection results",
				Class: "image-container",
				Slots: []Slot{
					{Kind: SlotDetectionImage, Source: EachSource, Label: "Drawing {n}"},
				},
			},
			{
				Class:  "image-container",
				Repeat: true,
				Slots: []Slot{
					{Kind: SlotOCRImage, Label: "OCR result {n}"},
					{Kind: SlotOCRText, Label: "Extracted text"},
				},
			},
		},
	}
}
