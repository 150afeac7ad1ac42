// Command ilp-decode pretty-prints a hex-encoded BTP frame or bare ILP
// packet. Input comes from the first argument or stdin.
//
//	ilp-decode 0c6e0000000000002710...
//	echo 0c6e... | ilp-decode
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ledger-mesh/ilp-connector/internal/btp"
	"github.com/ledger-mesh/ilp-connector/internal/ilp"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--help" || os.Args[1] == "-h") {
		fmt.Println("Usage: ilp-decode [hex]")
		fmt.Println()
		fmt.Println("Decodes a hex-encoded BTP frame or bare ILP packet.")
		fmt.Println("Reads from stdin when no argument is given.")
		return
	}

	data, err := readInput()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ilp-decode: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== %d bytes ===\n", len(data))

	frame, frameErr := btp.UnmarshalFrame(data)
	if frameErr == nil {
		printFrame(frame)
		return
	}

	pkt, pktErr := ilp.Parse(data)
	if pktErr == nil {
		printPacket(pkt, "")
		return
	}

	fmt.Printf("  not a BTP frame: %v\n", frameErr)
	fmt.Printf("  not an ILP packet: %v\n", pktErr)
	os.Exit(1)
}

func readInput() ([]byte, error) {
	var raw string
	if len(os.Args) > 1 {
		raw = os.Args[1]
	} else {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = string(b)
	}
	raw = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, raw)
	raw = strings.TrimPrefix(raw, "0x")
	data, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	return data, nil
}

func printFrame(f *btp.Frame) {
	fmt.Printf("BTP %s (requestId=%d, %d sub-payloads)\n",
		f.TypeName(), f.RequestID, len(f.ProtocolData))

	for _, sp := range f.ProtocolData {
		fmt.Printf("\n  --- %q (contentType=%d, %d bytes) ---\n",
			sp.Name, sp.ContentType, len(sp.Content))

		switch {
		case sp.Name == btp.ProtocolILP:
			pkt, err := ilp.Parse(sp.Content)
			if err != nil {
				fmt.Printf("    ILP parse error: %v\n", err)
				fmt.Printf("    hex: %s\n", hex.EncodeToString(sp.Content))
				continue
			}
			printPacket(pkt, "    ")
		case sp.ContentType == btp.ContentTextPlain || sp.ContentType == btp.ContentJSON:
			fmt.Printf("    %s\n", sp.Content)
		default:
			fmt.Printf("    hex: %s\n", hex.EncodeToString(sp.Content))
		}
	}
}

func printPacket(pkt ilp.Packet, indent string) {
	switch p := pkt.(type) {
	case *ilp.Prepare:
		fmt.Printf("%sILP Prepare (type=%d)\n", indent, p.Type())
		fmt.Printf("%s  Amount:      %d\n", indent, p.Amount)
		fmt.Printf("%s  Destination: %s\n", indent, p.Destination)
		fmt.Printf("%s  ExpiresAt:   %s\n", indent, p.ExpiresAt.UTC().Format(time.RFC3339Nano))
		fmt.Printf("%s  Condition:   %s\n", indent, hex.EncodeToString(p.ExecutionCondition[:]))
		printData(p.Data, indent)
	case *ilp.Fulfill:
		cond := ilp.Condition(p.Fulfillment)
		fmt.Printf("%sILP Fulfill (type=%d)\n", indent, p.Type())
		fmt.Printf("%s  Fulfillment: %s\n", indent, hex.EncodeToString(p.Fulfillment[:]))
		fmt.Printf("%s  Condition:   %s (sha256 of fulfillment)\n", indent, hex.EncodeToString(cond[:]))
		printData(p.Data, indent)
	case *ilp.Reject:
		fmt.Printf("%sILP Reject (type=%d)\n", indent, p.Type())
		fmt.Printf("%s  Code:        %s (%s)\n", indent, p.Code, ilp.DefaultMessage(p.Code))
		fmt.Printf("%s  TriggeredBy: %s\n", indent, p.TriggeredBy)
		fmt.Printf("%s  Message:     %q\n", indent, p.Message)
		printData(p.Data, indent)
	}
}

func printData(data []byte, indent string) {
	fmt.Printf("%s  Data:        %d bytes\n", indent, len(data))
	if len(data) > 0 && len(data) <= 64 {
		fmt.Printf("%s  Data hex:    %s\n", indent, hex.EncodeToString(data))
	}
}
