package converter

import (
	"encoding/xml"
	"fmt"
	"os"
	"time"
)

// ConvertParams is the parameter file handed to the external engine. The
// element names are the engine's wire format and must not change.
type ConvertParams struct {
	XMLName xml.Name `xml:"TaskQueueDataConvert"`

	Key      string `xml:"m_sKey"`
	FileFrom string `xml:"m_sFileFrom"`
	FileTo   string `xml:"m_sFileTo"`
	FormatTo int    `xml:"m_nFormatTo"`

	IsPDFA         bool   `xml:"m_bIsPDFA,omitempty"`
	CsvTxtEncoding int    `xml:"m_nCsvTxtEncoding,omitempty"`
	CsvDelimiter   int    `xml:"m_nCsvDelimiter,omitempty"`
	LCID           int    `xml:"m_nLcid,omitempty"`
	Paid           bool   `xml:"m_bPaid"`
	EmbeddedFonts  bool   `xml:"m_bEmbeddedFonts"`
	FromChanges    bool   `xml:"m_bFromChanges"`
	FontDir        string `xml:"m_sFontDir,omitempty"`
	ThemeDir       string `xml:"m_sThemeDir,omitempty"`
	JSONParams     string `xml:"m_sJsonParams,omitempty"`
	Timestamp      string `xml:"m_oTimestamp"`
	IsNoBase64     bool   `xml:"m_bIsNoBase64"`

	// Password never appears in logs; it only exists in the file on disk,
	// which lives inside the task's temp tree and is deleted with it.
	Password string `xml:"m_sPassword,omitempty"`
}

// NewConvertParams seeds the common fields.
func NewConvertParams(key, fileFrom, fileTo string, formatTo int) *ConvertParams {
	return &ConvertParams{
		Key:        key,
		FileFrom:   fileFrom,
		FileTo:     fileTo,
		FormatTo:   formatTo,
		IsNoBase64: true,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

// WriteFile serializes the parameter file for the engine.
func (p *ConvertParams) WriteFile(path string) error {
	data, err := xml.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal convert params: %w", err)
	}
	payload := append([]byte(xml.Header), data...)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write convert params: %w", err)
	}
	return nil
}

// Redacted returns a copy safe for logging.
func (p *ConvertParams) Redacted() ConvertParams {
	clean := *p
	if clean.Password != "" {
		clean.Password = "***"
	}
	return clean
}
