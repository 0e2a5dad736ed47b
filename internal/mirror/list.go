package mirror

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
)

// mirrorsXML models the mirror list document:
//
//	<mirrors>
//	  <mirror url="https://mirror.example.org/releases/" label="Example"/>
//	</mirrors>
//
// Entries are ordered by increasing distance from the client.
type mirrorsXML struct {
	XMLName xml.Name    `xml:"mirrors"`
	Mirrors []mirrorXML `xml:"mirror"`
}

type mirrorXML struct {
	URL   string `xml:"url,attr"`
	Label string `xml:"label,attr,omitempty"`
}

// parseMirrorList returns the mirror base locations in document order.
// Entries without a url are dropped; entries that are not absolute urls are
// returned in rejected.
func parseMirrorList(data []byte) (locations, rejected []string, err error) {
	var doc mirrorsXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parsing mirror list: %w", err)
	}
	for _, m := range doc.Mirrors {
		raw := strings.TrimSpace(m.URL)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			rejected = append(rejected, raw)
			continue
		}
		locations = append(locations, raw)
	}
	return locations, rejected, nil
}

// EncodeMirrorList renders locations as a mirror list document.
func EncodeMirrorList(locations []string) ([]byte, error) {
	doc := mirrorsXML{}
	for _, l := range locations {
		doc.Mirrors = append(doc.Mirrors, mirrorXML{URL: l})
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding mirror list: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
