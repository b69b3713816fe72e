package commands

import (
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"github.com/wolfeidau/certgate/internal/identity"
)

// InspectCmd runs the identity extractor used by the server against a PEM file.
type InspectCmd struct {
	Cert    string `arg:"" help:"PEM file holding the client certificate, leaf first" type:"existingfile"`
	Subject bool   `help:"print every subject attribute of the leaf"`

	out io.Writer
}

func (cmd *InspectCmd) Run(globals *Globals) error {
	out := cmd.out
	if out == nil {
		out = os.Stdout
	}

	data, err := os.ReadFile(cmd.Cert)
	if err != nil {
		return fmt.Errorf("failed to read certificate: %w", err)
	}

	chain := certificateChain(data)

	id, err := identity.Extract(chain)
	if err != nil {
		fmt.Fprintf(out, "result:      rejected\n")
		fmt.Fprintf(out, "reason:      %s\n", identity.KindOf(err))
		return fmt.Errorf("identity extraction failed: %w", err)
	}

	fmt.Fprintf(out, "result:      accepted\n")
	fmt.Fprintf(out, "identity:    %s\n", id)
	fmt.Fprintf(out, "fingerprint: %s\n", identity.Fingerprint(chain[0]))

	if cmd.Subject {
		return printSubject(out, chain[0])
	}

	return nil
}

// certificateChain returns the DER bytes of every CERTIFICATE block in data.
func certificateChain(data []byte) [][]byte {
	var chain [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return chain
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
}

func printSubject(out io.Writer, der []byte) error {
	attrs, err := identity.ParseSubject(der)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "subject:")
	for _, attr := range attrs {
		value, err := identity.DecodeString(attr.Tag, attr.Value)
		if err != nil {
			value = "0x" + hex.EncodeToString(attr.Value)
		}
		fmt.Fprintf(out, "  %s = %s\n", attr.Type, value)
	}

	return nil
}
