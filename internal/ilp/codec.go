package ilp

import (
	"fmt"
	"time"

	"github.com/ledger-mesh/ilp-connector/internal/oer"
)

// Marshal encodes a packet as type byte + length determinant + body.
// Encoding is deterministic: Parse(Marshal(p)) returns a packet equal to p.
func Marshal(p Packet) ([]byte, error) {
	var body []byte
	var err error

	switch pkt := p.(type) {
	case *Prepare:
		body, err = appendPrepareBody(nil, pkt)
	case *Fulfill:
		body, err = appendFulfillBody(nil, pkt)
	case *Reject:
		body, err = appendRejectBody(nil, pkt)
	default:
		return nil, fmt.Errorf("ilp: unsupported packet type %T", p)
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+6)
	out = append(out, p.Type())
	out = oer.AppendLength(out, len(body))
	return append(out, body...), nil
}

// Parse decodes a packet envelope. Trailing bytes after the declared body
// length are rejected.
func Parse(data []byte) (Packet, error) {
	typ, off, err := oer.ReadUint8(data, 0)
	if err != nil {
		return nil, fmt.Errorf("ilp: missing type byte")
	}
	n, off, err := oer.ReadLength(data, off)
	if err != nil {
		return nil, fmt.Errorf("ilp: bad envelope length: %w", err)
	}
	if off+n != len(data) {
		return nil, fmt.Errorf("ilp: %d trailing bytes after declared body", len(data)-off-n)
	}
	body := data[off : off+n]

	switch typ {
	case TypePrepare:
		return parsePrepare(body)
	case TypeFulfill:
		return parseFulfill(body)
	case TypeReject:
		return parseReject(body)
	default:
		return nil, fmt.Errorf("ilp: unknown packet type %d", typ)
	}
}

func appendPrepareBody(dst []byte, p *Prepare) ([]byte, error) {
	if err := p.Destination.Validate(); err != nil {
		return nil, err
	}
	if len(p.Data) > MaxDataBytes {
		return nil, fmt.Errorf("ilp: prepare data %d bytes exceeds maximum %d", len(p.Data), MaxDataBytes)
	}
	dst = oer.AppendUint64(dst, p.Amount)
	dst, err := appendTimestamp(dst, p.ExpiresAt)
	if err != nil {
		return nil, err
	}
	dst = append(dst, p.ExecutionCondition[:]...)
	dst = oer.AppendVarOctets(dst, []byte(p.Destination))
	dst = oer.AppendVarOctets(dst, p.Data)
	return dst, nil
}

func parsePrepare(body []byte) (*Prepare, error) {
	p := &Prepare{}
	off := 0

	var err error
	p.Amount, off, err = oer.ReadUint64(body, off)
	if err != nil {
		return nil, fmt.Errorf("ilp: prepare amount: %w", err)
	}

	ts, off, err := oer.ReadFixed(body, off, timestampLen)
	if err != nil {
		return nil, fmt.Errorf("ilp: prepare expiry: %w", err)
	}
	p.ExpiresAt, err = parseTimestamp(ts)
	if err != nil {
		return nil, err
	}

	cond, off, err := oer.ReadFixed(body, off, ConditionLen)
	if err != nil {
		return nil, fmt.Errorf("ilp: prepare condition: %w", err)
	}
	copy(p.ExecutionCondition[:], cond)

	dest, off, err := oer.ReadVarOctets(body, off)
	if err != nil {
		return nil, fmt.Errorf("ilp: prepare destination: %w", err)
	}
	p.Destination = Address(dest)
	if err := p.Destination.Validate(); err != nil {
		return nil, err
	}

	p.Data, off, err = oer.ReadVarOctets(body, off)
	if err != nil {
		return nil, fmt.Errorf("ilp: prepare data: %w", err)
	}
	if len(p.Data) > MaxDataBytes {
		return nil, fmt.Errorf("ilp: prepare data %d bytes exceeds maximum %d", len(p.Data), MaxDataBytes)
	}
	if off != len(body) {
		return nil, fmt.Errorf("ilp: %d trailing bytes in prepare body", len(body)-off)
	}
	return p, nil
}

func appendFulfillBody(dst []byte, f *Fulfill) ([]byte, error) {
	if len(f.Data) > MaxDataBytes {
		return nil, fmt.Errorf("ilp: fulfill data %d bytes exceeds maximum %d", len(f.Data), MaxDataBytes)
	}
	dst = append(dst, f.Fulfillment[:]...)
	dst = oer.AppendVarOctets(dst, f.Data)
	return dst, nil
}

func parseFulfill(body []byte) (*Fulfill, error) {
	f := &Fulfill{}

	pre, off, err := oer.ReadFixed(body, 0, ConditionLen)
	if err != nil {
		return nil, fmt.Errorf("ilp: fulfillment: %w", err)
	}
	copy(f.Fulfillment[:], pre)

	f.Data, off, err = oer.ReadVarOctets(body, off)
	if err != nil {
		return nil, fmt.Errorf("ilp: fulfill data: %w", err)
	}
	if len(f.Data) > MaxDataBytes {
		return nil, fmt.Errorf("ilp: fulfill data %d bytes exceeds maximum %d", len(f.Data), MaxDataBytes)
	}
	if off != len(body) {
		return nil, fmt.Errorf("ilp: %d trailing bytes in fulfill body", len(body)-off)
	}
	return f, nil
}

func appendRejectBody(dst []byte, r *Reject) ([]byte, error) {
	if err := validateCode(r.Code); err != nil {
		return nil, err
	}
	if r.TriggeredBy != "" {
		if err := r.TriggeredBy.Validate(); err != nil {
			return nil, err
		}
	}
	if len(r.Data) > MaxDataBytes {
		return nil, fmt.Errorf("ilp: reject data %d bytes exceeds maximum %d", len(r.Data), MaxDataBytes)
	}
	dst = append(dst, r.Code...)
	dst = oer.AppendVarOctets(dst, []byte(r.TriggeredBy))
	dst = oer.AppendVarOctets(dst, []byte(r.Message))
	dst = oer.AppendVarOctets(dst, r.Data)
	return dst, nil
}

func parseReject(body []byte) (*Reject, error) {
	r := &Reject{}

	code, off, err := oer.ReadFixed(body, 0, 3)
	if err != nil {
		return nil, fmt.Errorf("ilp: reject code: %w", err)
	}
	r.Code = string(code)
	if err := validateCode(r.Code); err != nil {
		return nil, err
	}

	trig, off, err := oer.ReadVarOctets(body, off)
	if err != nil {
		return nil, fmt.Errorf("ilp: reject triggered-by: %w", err)
	}
	r.TriggeredBy = Address(trig)
	// An empty triggeredBy is tolerated on parse; some implementations omit it.
	if r.TriggeredBy != "" {
		if err := r.TriggeredBy.Validate(); err != nil {
			return nil, err
		}
	}

	msg, off, err := oer.ReadVarOctets(body, off)
	if err != nil {
		return nil, fmt.Errorf("ilp: reject message: %w", err)
	}
	r.Message = string(msg)

	r.Data, off, err = oer.ReadVarOctets(body, off)
	if err != nil {
		return nil, fmt.Errorf("ilp: reject data: %w", err)
	}
	if len(r.Data) > MaxDataBytes {
		return nil, fmt.Errorf("ilp: reject data %d bytes exceeds maximum %d", len(r.Data), MaxDataBytes)
	}
	if off != len(body) {
		return nil, fmt.Errorf("ilp: %d trailing bytes in reject body", len(body)-off)
	}
	return r, nil
}

func validateCode(code string) error {
	if len(code) != 3 {
		return fmt.Errorf("ilp: reject code %q must be 3 characters", code)
	}
	if code[0] != 'F' && code[0] != 'T' && code[0] != 'R' {
		return fmt.Errorf("ilp: reject code %q must start with F, T, or R", code)
	}
	if code[1] < '0' || code[1] > '9' || code[2] < '0' || code[2] > '9' {
		return fmt.Errorf("ilp: reject code %q must end with two digits", code)
	}
	return nil
}

// The interledger timestamp is 17 ASCII digits: YYYYMMDDHHMMSSmmm in UTC.
func appendTimestamp(dst []byte, t time.Time) ([]byte, error) {
	t = t.UTC()
	if y := t.Year(); y < 0 || y > 9999 {
		return nil, fmt.Errorf("ilp: timestamp year %d not representable", y)
	}
	dst = t.AppendFormat(dst, "20060102150405")
	ms := t.Nanosecond() / int(time.Millisecond)
	return append(dst, byte('0'+ms/100), byte('0'+ms/10%10), byte('0'+ms%10)), nil
}

func parseTimestamp(b []byte) (time.Time, error) {
	if len(b) != timestampLen {
		return time.Time{}, fmt.Errorf("ilp: timestamp must be %d bytes, got %d", timestampLen, len(b))
	}
	for i, c := range b {
		if c < '0' || c > '9' {
			return time.Time{}, fmt.Errorf("ilp: timestamp contains non-digit byte 0x%02x at position %d", c, i)
		}
	}
	base, err := time.Parse("20060102150405", string(b[:14]))
	if err != nil {
		return time.Time{}, fmt.Errorf("ilp: unparsable timestamp %q: %w", b, err)
	}
	ms := int(b[14]-'0')*100 + int(b[15]-'0')*10 + int(b[16]-'0')
	return base.Add(time.Duration(ms) * time.Millisecond), nil
}
