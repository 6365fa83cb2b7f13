package contentstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/tsawler/pagestream/core"
)

// Operation represents a single content stream operation consisting of an
// operator and its operands. Operands are PDF objects that precede the operator.
type Operation struct {
	Operator string        // The operator (e.g., "Tj", "Tm", "q")
	Operands []core.Object // The operands

	// Image is set for the BI operator and holds the inline image.
	Image *InlineImage
}

// InlineImage is an image embedded in the content stream between BI and
// EI. Abbreviated keys and filter names are expanded, so Dict reads like
// the dictionary of an image XObject.
type InlineImage struct {
	Dict core.Dict
	Data []byte
}

// inlineKeys maps the abbreviations allowed in inline image dictionaries.
var inlineKeys = map[string]string{
	"BPC": "BitsPerComponent",
	"CS":  "ColorSpace",
	"D":   "Decode",
	"DP":  "DecodeParms",
	"F":   "Filter",
	"H":   "Height",
	"IM":  "ImageMask",
	"I":   "Interpolate",
	"L":   "Length",
	"W":   "Width",
}

var inlineNames = map[string]string{
	"AHx":  "ASCIIHexDecode",
	"A85":  "ASCII85Decode",
	"LZW":  "LZWDecode",
	"Fl":   "FlateDecode",
	"RL":   "RunLengthDecode",
	"CCF":  "CCITTFaxDecode",
	"DCT":  "DCTDecode",
	"G":    "DeviceGray",
	"RGB":  "DeviceRGB",
	"CMYK": "DeviceCMYK",
	"I":    "Indexed",
}

// maxOperands bounds the operand stack. Streams that push more without an
// operator are malformed; the oldest operands are dropped.
const maxOperands = 4096

// Parser parses PDF content streams into a sequence of operations.
// Each operation consists of an operator and its operands.
//
// Lexical errors such as a stray '}' are skipped and counted; errors from
// the underlying reader end parsing.
type Parser struct {
	lex     *core.Lexer
	pending *core.Token
	stack   []core.Object
	skipped int
}

// NewParser creates a new content stream parser for the given data.
func NewParser(data []byte) *Parser {
	return NewReaderParser(bytes.NewReader(data))
}

// NewReaderParser parses the content read from r, such as the reader of
// a [core.SequenceStream].
func NewReaderParser(r io.Reader) *Parser {
	return &Parser{lex: core.NewLexer(r)}
}

// Skipped returns how many malformed tokens were ignored so far.
func (p *Parser) Skipped() int { return p.skipped }

// Parse parses the content stream and returns all operations in order.
func (p *Parser) Parse() ([]Operation, error) {
	var ops []Operation
	for {
		op, err := p.Next()
		if err == io.EOF {
			return ops, nil
		}
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
}

// Next returns the next operation, or io.EOF once the stream is exhausted.
// Operands left on the stack at the end of the stream are discarded.
func (p *Parser) Next() (Operation, error) {
	for {
		tok, err := p.token()
		if err != nil {
			return Operation{}, err
		}
		switch tok.Type {
		case core.TokenEOF:
			p.stack = nil
			return Operation{}, io.EOF
		case core.TokenKeyword, core.TokenIndirectRef:
			kw := string(tok.Value)
			switch kw {
			case "true":
				p.push(core.Bool(true))
				continue
			case "false":
				p.push(core.Bool(false))
				continue
			case "null":
				p.push(core.Null{})
				continue
			}
			op := Operation{Operator: kw, Operands: p.stack}
			p.stack = nil
			if kw == "BI" {
				img, err := p.inlineImage()
				if err != nil {
					return Operation{}, err
				}
				op.Image = img
			}
			return op, nil
		case core.TokenArrayEnd, core.TokenDictEnd:
			p.skipped++
			continue
		}
		obj, err := p.object(tok, 0)
		if err != nil {
			return Operation{}, err
		}
		if obj != nil {
			p.push(obj)
		}
	}
}

func (p *Parser) push(obj core.Object) {
	if len(p.stack) >= maxOperands {
		p.stack = p.stack[1:]
	}
	p.stack = append(p.stack, obj)
}

// token returns the next token, skipping lexical errors.
func (p *Parser) token() (*core.Token, error) {
	if tok := p.pending; tok != nil {
		p.pending = nil
		return tok, nil
	}
	for {
		tok, err := p.lex.NextToken()
		if err == nil {
			return tok, nil
		}
		var fe *core.FormatError
		if !errors.As(err, &fe) {
			return nil, err
		}
		p.skipped++
	}
}

const maxNesting = 64

// object builds the operand starting at tok. It returns nil for tokens
// that cannot start an operand.
func (p *Parser) object(tok *core.Token, depth int) (core.Object, error) {
	if depth > maxNesting {
		return nil, core.Formatf("operands nested deeper than %d", maxNesting)
	}
	switch tok.Type {
	case core.TokenInteger:
		n, err := strconv.ParseInt(string(tok.Value), 10, 64)
		if err != nil {
			f, _ := strconv.ParseFloat(string(tok.Value), 64)
			return core.Real(f), nil
		}
		return core.Int(n), nil
	case core.TokenReal:
		f, err := strconv.ParseFloat(string(tok.Value), 64)
		if err != nil {
			f = 0
		}
		return core.Real(f), nil
	case core.TokenString, core.TokenHexString:
		return core.String(tok.Value), nil
	case core.TokenName:
		return core.Name(tok.Value), nil
	case core.TokenArrayStart:
		var arr core.Array
		for {
			next, err := p.token()
			if err != nil {
				return nil, err
			}
			switch next.Type {
			case core.TokenArrayEnd:
				return arr, nil
			case core.TokenEOF:
				return arr, nil
			case core.TokenKeyword:
				if v, ok := keywordValue(next.Value); ok {
					arr = append(arr, v)
					continue
				}
				// An operator inside an array means the ']' is missing.
				p.pending = next
				return arr, nil
			}
			v, err := p.object(next, depth+1)
			if err != nil {
				return nil, err
			}
			if v != nil {
				arr = append(arr, v)
			}
		}
	case core.TokenDictStart:
		return p.dict(depth, core.TokenDictEnd)
	}
	p.skipped++
	return nil, nil
}

func keywordValue(v []byte) (core.Object, bool) {
	switch string(v) {
	case "true":
		return core.Bool(true), true
	case "false":
		return core.Bool(false), true
	case "null":
		return core.Null{}, true
	}
	return nil, false
}

// dict reads key/value pairs until the end token. For inline images the
// end is the ID keyword, passed as TokenKeyword.
func (p *Parser) dict(depth int, end core.TokenType) (core.Dict, error) {
	d := core.Dict{}
	for {
		tok, err := p.token()
		if err != nil {
			return nil, err
		}
		switch {
		case tok.Type == core.TokenEOF:
			return d, nil
		case end == core.TokenDictEnd && tok.Type == core.TokenDictEnd:
			return d, nil
		case end == core.TokenKeyword && tok.Type == core.TokenKeyword && string(tok.Value) == "ID":
			return d, nil
		case end == core.TokenDictEnd && tok.Type == core.TokenKeyword:
			// An operator inside a dictionary means the '>>' is missing.
			p.pending = tok
			return d, nil
		case tok.Type != core.TokenName:
			p.skipped++
			continue
		}
		key := string(tok.Value)
		vt, err := p.token()
		if err != nil {
			return nil, err
		}
		var v core.Object
		if vt.Type == core.TokenKeyword {
			var ok bool
			if v, ok = keywordValue(vt.Value); !ok {
				p.pending = vt
				continue
			}
		} else if v, err = p.object(vt, depth+1); err != nil {
			return nil, err
		}
		if v != nil {
			d[key] = v
		}
	}
}

// inlineImage reads the dictionary after BI, then the raw data up to EI.
func (p *Parser) inlineImage() (*InlineImage, error) {
	raw, err := p.dict(0, core.TokenKeyword)
	if err != nil {
		return nil, err
	}
	dict := make(core.Dict, len(raw))
	for k, v := range raw {
		if full, ok := inlineKeys[k]; ok {
			k = full
		}
		dict[k] = expandNames(v)
	}
	// A single white-space byte separates ID from the data.
	if b, err := p.lex.Peek(); err == nil && isSpace(b) {
		p.lex.ReadByte()
	}

	img := &InlineImage{Dict: dict}
	if n, ok := dict.GetInt("Length"); ok && n > 0 {
		data, err := p.lex.ReadBytes(int(n))
		if err != nil {
			return nil, err
		}
		img.Data = data
		if err := p.skipToEI(); err != nil {
			return nil, err
		}
		return img, nil
	}
	img.Data, err = p.readToEI()
	return img, err
}

func expandNames(v core.Object) core.Object {
	switch t := v.(type) {
	case core.Name:
		if full, ok := inlineNames[string(t)]; ok {
			return core.Name(full)
		}
	case core.Array:
		out := make(core.Array, len(t))
		for i, e := range t {
			out[i] = expandNames(e)
		}
		return out
	}
	return v
}

// readToEI collects bytes until white space, "EI" and white space (or end
// of input). The white space before EI is not part of the data.
func (p *Parser) readToEI() ([]byte, error) {
	var data []byte
	for {
		b, err := p.lex.ReadByte()
		if err == io.EOF {
			return data, fmt.Errorf("inline image: %w", core.Formatf("missing EI"))
		}
		if err != nil {
			return nil, err
		}
		data = append(data, b)
		n := len(data)
		if n < 3 || data[n-2] != 'E' || data[n-1] != 'I' || !isSpace(data[n-3]) {
			continue
		}
		next, err := p.lex.Peek()
		if err == io.EOF || (err == nil && (isSpace(next) || next == '%')) {
			return data[:n-3], nil
		}
		if err != nil && err != io.EOF {
			return nil, err
		}
	}
}

// skipToEI consumes the bytes between explicit-length data and EI.
func (p *Parser) skipToEI() error {
	for {
		tok, err := p.token()
		if err != nil {
			return err
		}
		if tok.Type == core.TokenEOF || (tok.Type == core.TokenKeyword && string(tok.Value) == "EI") {
			return nil
		}
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n' || b == '\f' || b == 0
}
