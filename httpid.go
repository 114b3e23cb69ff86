// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

const (
	// httpIdentificationPort is where the instrument's web server listens.
	httpIdentificationPort = 80

	// httpIdentificationRequest fetches the LXI identification document.
	httpIdentificationRequest = "GET /lxi/identification HTTP/1.0\r\n\r\n"

	// httpIdentificationMaxSize bounds the response we keep.
	httpIdentificationMaxSize = 4096
)

// lxiIdentification maps the fields of the LXI identification document
// that make up the identification string. The root element name and
// namespace vary across vendors, so only child elements are matched.
type lxiIdentification struct {
	XMLName          xml.Name
	Manufacturer     string `xml:"Manufacturer"`
	Model            string `xml:"Model"`
	SerialNumber     string `xml:"SerialNumber"`
	FirmwareRevision string `xml:"FirmwareRevision"`
}

// httpIdentification fetches the instrument's XML identification
// document over HTTP and assembles an id string from it. This is the
// fallback for instruments whose VXI-11 channel answers "*IDN?" with an
// empty reply.
func (d *Discoverer) httpIdentification(address string, timeout time.Duration) (string, error) {
	tr := newRawTransport(d.cfg)
	if err := tr.connect(address, d.httpPort, "", timeout); err != nil {
		return "", err
	}
	defer tr.disconnect()

	if _, err := tr.send([]byte(httpIdentificationRequest), timeout); err != nil {
		return "", err
	}
	response := make([]byte, httpIdentificationMaxSize)
	n, err := tr.receiveWait(response, timeout)
	if err != nil {
		return "", err
	}

	start := bytes.Index(response[:n], []byte("<?xml"))
	if start < 0 {
		return "", fmt.Errorf("lxi: no XML identification document in response")
	}

	var ident lxiIdentification
	if err := xml.Unmarshal(response[start:n], &ident); err != nil {
		return "", fmt.Errorf("lxi: cannot parse identification document: %w", err)
	}

	id := strings.Join([]string{
		ident.Manufacturer,
		ident.Model,
		ident.SerialNumber,
		ident.FirmwareRevision,
	}, ",")
	return id, nil
}
