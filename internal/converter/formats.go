package converter

import "strings"

// Numeric format codes understood by the external conversion engine.
const (
	FormatDOCX = 65
	FormatDOC  = 66
	FormatODT  = 67
	FormatRTF  = 68
	FormatTXT  = 69
	FormatHTML = 70
	FormatEPUB = 83

	FormatXLSX = 257
	FormatXLS  = 258
	FormatODS  = 259
	FormatCSV  = 260

	FormatPPTX = 129
	FormatPPT  = 130
	FormatODP  = 131

	FormatPDF  = 513
	FormatPDFA = 521
	FormatDJVU = 515
	FormatXPS  = 516

	FormatCanvasWord         = 8193
	FormatCanvasSpreadsheet  = 8194
	FormatCanvasPresentation = 8195
)

var formatCodes = map[string]int{
	"docx": FormatDOCX,
	"doc":  FormatDOC,
	"odt":  FormatODT,
	"rtf":  FormatRTF,
	"txt":  FormatTXT,
	"html": FormatHTML,
	"epub": FormatEPUB,
	"xlsx": FormatXLSX,
	"xls":  FormatXLS,
	"ods":  FormatODS,
	"csv":  FormatCSV,
	"pptx": FormatPPTX,
	"ppt":  FormatPPT,
	"odp":  FormatODP,
	"pdf":  FormatPDF,
	"pdfa": FormatPDFA,
	"djvu": FormatDJVU,
	"xps":  FormatXPS,
	"bin":  FormatCanvasWord,
}

// FormatCode resolves a file extension to the engine's numeric format code.
func FormatCode(ext string) (int, bool) {
	code, ok := formatCodes[strings.ToLower(strings.TrimPrefix(ext, "."))]
	return code, ok
}

// lowPriorityInputs lists input formats whose conversions are expensive
// enough to schedule behind interactive work.
var lowPriorityInputs = map[string]struct{}{
	"pdf":  {},
	"djvu": {},
	"xps":  {},
}

// IsLowPriorityInput reports whether an input format should queue at low
// priority.
func IsLowPriorityInput(ext string) bool {
	_, ok := lowPriorityInputs[strings.ToLower(strings.TrimPrefix(ext, "."))]
	return ok
}
