package alc

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"time"
)

const fdtNamespace = "urn:IETF:metadata:2005:FLUTE:FDT"

// FDTInstance is the file delivery table announcing the objects of a session.
type FDTInstance struct {
	XMLName xml.Name `xml:"FDT-Instance"`
	XMLNS   string   `xml:"xmlns,attr,omitempty"`

	// Expires is the validity end, in seconds since the Unix epoch.
	Expires string `xml:"Expires,attr"`

	FECEncID  *uint8  `xml:"FEC-OTI-FEC-Encoding-ID,attr,omitempty"`
	FECMaxSBL *uint64 `xml:"FEC-OTI-Maximum-Source-Block-Length,attr,omitempty"`
	FECESL    *uint64 `xml:"FEC-OTI-Encoding-Symbol-Length,attr,omitempty"`
	FECMaxN   *uint64 `xml:"FEC-OTI-Max-Number-of-Encoding-Symbols,attr,omitempty"`

	Files []FDTFile `xml:"File"`
}

// FDTFile describes one object of the session.
type FDTFile struct {
	ContentLocation string `xml:"Content-Location,attr"`
	TOI             string `xml:"TOI,attr"`
	ContentLength   uint64 `xml:"Content-Length,attr"`
	TransferLength  uint64 `xml:"Transfer-Length,attr,omitempty"`
	ContentType     string `xml:"Content-Type,attr,omitempty"`

	FECEncID  *uint8  `xml:"FEC-OTI-FEC-Encoding-ID,attr,omitempty"`
	FECMaxSBL *uint64 `xml:"FEC-OTI-Maximum-Source-Block-Length,attr,omitempty"`
	FECESL    *uint64 `xml:"FEC-OTI-Encoding-Symbol-Length,attr,omitempty"`
	FECMaxN   *uint64 `xml:"FEC-OTI-Max-Number-of-Encoding-Symbols,attr,omitempty"`
}

// NewFDTInstance returns an empty instance valid until expires, carrying the
// session-wide FEC parameters.
func NewFDTInstance(expires time.Time, oti OTI) *FDTInstance {
	enc := uint8(oti.Scheme)
	sbl := uint64(oti.MaxSourceBlockLength)
	esl := uint64(oti.SymbolLength)
	maxN := uint64(oti.MaxEncodingSymbols())
	return &FDTInstance{
		XMLNS:     fdtNamespace,
		Expires:   strconv.FormatInt(expires.Unix(), 10),
		FECEncID:  &enc,
		FECMaxSBL: &sbl,
		FECESL:    &esl,
		FECMaxN:   &maxN,
	}
}

// Add announces an object.
func (f *FDTInstance) Add(toi uint32, location, contentType string, length uint64) {
	f.Files = append(f.Files, FDTFile{
		ContentLocation: location,
		TOI:             strconv.FormatUint(uint64(toi), 10),
		ContentLength:   length,
		TransferLength:  length,
		ContentType:     contentType,
	})
}

// ExpiresAt parses the Expires attribute.
func (f *FDTInstance) ExpiresAt() (time.Time, error) {
	secs, err := strconv.ParseInt(f.Expires, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("fdt expires %q: %w", f.Expires, err)
	}
	return time.Unix(secs, 0), nil
}

// Expired reports whether the instance is no longer valid at now. An
// unparseable Expires never expires.
func (f *FDTInstance) Expired(now time.Time) bool {
	at, err := f.ExpiresAt()
	if err != nil {
		return false
	}
	return at.Before(now)
}

// Marshal returns the document with an XML declaration.
func (f *FDTInstance) Marshal() ([]byte, error) {
	body, err := xml.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal fdt: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// ParseFDT decodes an FDT instance document.
func ParseFDT(b []byte) (*FDTInstance, error) {
	var f FDTInstance
	if err := xml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse fdt: %w", err)
	}
	return &f, nil
}
