// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-kmstoken.
//
// go-kmstoken is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jeremyhahn/go-kmstoken/pkg/token"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// ObjectInfo describes one token object.
type ObjectInfo struct {
	Handle         string `json:"handle"`
	Class          string `json:"class"`
	KeyVersionName string `json:"key_version_name"`
	Algorithm      string `json:"algorithm"`
}

// TokenInfo describes one token and the outcome of its load.
type TokenInfo struct {
	Slot    uint            `json:"slot"`
	Label   string          `json:"label"`
	Serial  string          `json:"serial_number"`
	KeyRing string          `json:"key_ring"`
	Objects []ObjectInfo    `json:"objects"`
	Skipped []token.Outcome `json:"skipped"`
}

// PropertyValue is a decoded CNG property.
type PropertyValue struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// describeToken collects the objects of tok in handle table order.
func describeToken(tok *token.Token) (TokenInfo, error) {
	info := tok.TokenInfo()
	out := TokenInfo{
		Slot:    tok.SlotID(),
		Label:   info.Label,
		Serial:  info.SerialNumber,
		KeyRing: tok.KeyRing(),
		Objects: []ObjectInfo{},
		Skipped: []token.Outcome{},
	}
	for _, h := range tok.FindObjects(nil) {
		obj, err := tok.GetObject(h)
		if err != nil {
			return TokenInfo{}, err
		}
		out.Objects = append(out.Objects, ObjectInfo{
			Handle:         fmt.Sprintf("%#016x", h),
			Class:          obj.Class().String(),
			KeyVersionName: obj.KeyVersionName(),
			Algorithm:      obj.Algorithm().String(),
		})
	}
	if report := tok.Report(); report != nil {
		out.Skipped = append(out.Skipped, report.Skipped()...)
	}
	return out, nil
}

// PrintTokens prints tokens and their objects
func (p *Printer) PrintTokens(tokens []TokenInfo) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"tokens": tokens,
		})
	case OutputFormatText:
		for i, t := range tokens {
			if i > 0 {
				fmt.Fprintln(p.writer)
			}
			fmt.Fprintf(p.writer, "Slot %d: %s (%s)\n", t.Slot, t.Label, t.KeyRing)
			if len(t.Objects) == 0 {
				fmt.Fprintln(p.writer, "  No objects found")
			} else {
				fmt.Fprintf(p.writer, "  %-18s %-12s %-28s %s\n", "HANDLE", "CLASS", "ALGORITHM", "KEY VERSION")
				fmt.Fprintln(p.writer, "  "+strings.Repeat("-", 78))
				for _, o := range t.Objects {
					fmt.Fprintf(p.writer, "  %-18s %-12s %-28s %s\n", o.Handle, o.Class, o.Algorithm, o.KeyVersionName)
				}
			}
			if len(t.Skipped) > 0 {
				fmt.Fprintln(p.writer, "  Skipped:")
				for _, s := range t.Skipped {
					fmt.Fprintf(p.writer, "    - %s: %s %s\n", s.Name, s.Reason, s.Detail)
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSignature prints a signature (hex encoded)
func (p *Printer) PrintSignature(keyName string, signature []byte) error {
	encoded := hex.EncodeToString(signature)
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"key":       keyName,
			"size":      len(signature),
			"signature": encoded,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, encoded)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintProperties prints the properties of a provider or key
func (p *Printer) PrintProperties(subject string, props []PropertyValue) error {
	switch p.format {
	case OutputFormatJSON:
		values := make(map[string]interface{}, len(props))
		for _, prop := range props {
			values[prop.Name] = prop.Value
		}
		return p.printJSON(map[string]interface{}{
			"subject":    subject,
			"properties": values,
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%s:\n", subject)
		for _, prop := range props {
			fmt.Fprintf(p.writer, "  %-20s %v\n", prop.Name+":", prop.Value)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintFakeKMS prints where a fake KMS listens and what it holds
func (p *Printer) PrintFakeKMS(addr, keyRing string, keys []string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"address":  addr,
			"key_ring": keyRing,
			"keys":     keys,
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Fake KMS listening on %s\n", addr)
		fmt.Fprintf(p.writer, "Key ring: %s\n", keyRing)
		for _, k := range keys {
			fmt.Fprintf(p.writer, "  - %s\n", k)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintStates prints the key rings with a saved state
func (p *Printer) PrintStates(keyRings []string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"states": keyRings,
		})
	case OutputFormatText:
		if len(keyRings) == 0 {
			fmt.Fprintln(p.writer, "No saved states found")
			return nil
		}
		fmt.Fprintln(p.writer, "Saved states:")
		for _, r := range keyRings {
			fmt.Fprintf(p.writer, "  - %s\n", r)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

// printJSON prints data as JSON
func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
