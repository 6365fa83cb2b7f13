package core

import (
	"bytes"
	"io"
	"strconv"
)

// ReferenceResolver resolves indirect references met while parsing, such
// as an indirect stream /Length.
type ReferenceResolver interface {
	ResolveReference(ref IndirectRef) (Object, error)
}

// Parser builds objects from lexer tokens using one token of lookahead.
// The first read error is sticky: once the lexer fails, every later call
// returns that error, so a *MissingDataError is never masked by a syntax
// error it caused.
type Parser struct {
	lex      *Lexer
	src      io.ReaderAt
	size     int64
	cur      *Token
	peek     *Token
	err      error
	resolver ReferenceResolver
}

// NewParser parses a plain stream of bytes.
func NewParser(r io.Reader) *Parser {
	p := &Parser{lex: NewLexer(r)}
	p.advance()
	p.advance()
	return p
}

// NewParserAt parses src starting at offset. Random access lets stream
// bodies with a wrong /Length be recovered by searching for "endstream".
func NewParserAt(src io.ReaderAt, offset, size int64) *Parser {
	p := &Parser{src: src, size: size}
	p.reset(offset)
	return p
}

// SetReferenceResolver installs the resolver used for indirect lengths.
func (p *Parser) SetReferenceResolver(r ReferenceResolver) { p.resolver = r }

func (p *Parser) reset(offset int64) {
	p.lex = NewLexerAt(io.NewSectionReader(p.src, offset, p.size-offset), offset)
	p.cur, p.peek, p.err = nil, nil, nil
	p.advance()
	p.advance()
}

func (p *Parser) advance() {
	p.cur, p.peek = p.peek, nil
	if p.err != nil {
		return
	}
	// Stream bodies are binary; parseStream reads them from the lexer.
	if p.cur != nil && p.cur.Type == TokenKeyword && string(p.cur.Value) == "stream" {
		return
	}
	tok, err := p.lex.NextToken()
	if err != nil {
		p.err = err
		return
	}
	p.peek = tok
}

// Err returns the sticky read error, if any.
func (p *Parser) Err() error { return p.err }

// Current returns the token the parser is positioned on.
func (p *Parser) Current() *Token { return p.cur }

// IsKeyword reports whether the current token is the keyword kw.
func (p *Parser) IsKeyword(kw string) bool {
	return p.cur != nil && p.cur.Type == TokenKeyword && string(p.cur.Value) == kw
}

// ExpectKeyword consumes the keyword kw.
func (p *Parser) ExpectKeyword(kw string) error {
	if !p.IsKeyword(kw) {
		return p.fail("expected %q, got %s", kw, p.cur)
	}
	p.advance()
	return nil
}

// fail prefers a pending read error so missing data stays retryable.
func (p *Parser) fail(format string, args ...interface{}) error {
	if p.err != nil && (p.cur == nil || IsMissingData(p.err)) {
		return p.err
	}
	return Formatf(format, args...)
}

// ParseObject parses one direct object. It returns io.EOF at end of input.
func (p *Parser) ParseObject() (Object, error) {
	tok := p.cur
	if tok == nil {
		return nil, p.fail("unexpected end of input")
	}
	switch tok.Type {
	case TokenEOF:
		return nil, io.EOF
	case TokenKeyword:
		var obj Object
		switch string(tok.Value) {
		case "null":
			obj = Null{}
		case "true":
			obj = Bool(true)
		case "false":
			obj = Bool(false)
		default:
			return nil, p.fail("unexpected keyword %q at offset %d", tok.Value, tok.Pos)
		}
		p.advance()
		return obj, nil
	case TokenInteger:
		return p.parseNumber()
	case TokenReal:
		f, err := strconv.ParseFloat(string(tok.Value), 64)
		if err != nil {
			f = 0
		}
		p.advance()
		return Real(f), nil
	case TokenString, TokenHexString:
		p.advance()
		return String(tok.Value), nil
	case TokenName:
		p.advance()
		return Name(tok.Value), nil
	case TokenArrayStart:
		return p.parseArray()
	case TokenDictStart:
		return p.parseDict()
	}
	return nil, p.fail("unexpected token %s", tok)
}

// parseNumber returns an Int, or an IndirectRef for "num gen R".
func (p *Parser) parseNumber() (Object, error) {
	first := parseInt(p.cur.Value)
	if p.peek == nil && p.err != nil {
		return nil, p.err
	}
	if p.peek != nil && p.peek.Type == TokenInteger {
		second := parseInt(p.peek.Value)
		p.advance()
		if p.peek == nil && p.err != nil {
			return nil, p.err
		}
		if p.peek != nil && p.peek.Type == TokenIndirectRef {
			p.advance()
			p.advance()
			return IndirectRef{Number: int(first), Generation: int(second)}, nil
		}
		// Positioned on the second integer, which the caller parses next.
		return Int(first), nil
	}
	p.advance()
	return Int(first), nil
}

func (p *Parser) parseArray() (Object, error) {
	p.advance()
	arr := Array{}
	for {
		if p.cur == nil {
			return nil, p.fail("unterminated array")
		}
		switch p.cur.Type {
		case TokenArrayEnd:
			p.advance()
			return arr, nil
		case TokenEOF:
			return nil, p.fail("unterminated array")
		}
		obj, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		arr = append(arr, obj)
	}
}

// parseDict tolerates a key with no value before ">>" by dropping it.
func (p *Parser) parseDict() (Object, error) {
	p.advance()
	dict := Dict{}
	for {
		if p.cur == nil {
			return nil, p.fail("unterminated dictionary")
		}
		switch p.cur.Type {
		case TokenDictEnd:
			p.advance()
			return dict, nil
		case TokenEOF:
			return nil, p.fail("unterminated dictionary")
		case TokenName:
		default:
			return nil, p.fail("dictionary key must be a name, got %s", p.cur)
		}
		key := string(p.cur.Value)
		p.advance()
		if p.cur != nil && p.cur.Type == TokenDictEnd {
			continue
		}
		value, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		dict[key] = value
	}
}

// ParseIndirectObject parses "num gen obj ... endobj", including a stream
// body. A missing endobj is tolerated.
func (p *Parser) ParseIndirectObject() (*IndirectObject, error) {
	if p.cur == nil || p.cur.Type != TokenInteger {
		return nil, p.fail("expected object number, got %s", p.cur)
	}
	num := parseInt(p.cur.Value)
	p.advance()
	if p.cur == nil || p.cur.Type != TokenInteger {
		return nil, p.fail("expected generation number, got %s", p.cur)
	}
	gen := parseInt(p.cur.Value)
	p.advance()
	if err := p.ExpectKeyword("obj"); err != nil {
		return nil, err
	}

	obj, err := p.ParseObject()
	if err != nil {
		if err == io.EOF {
			return nil, Formatf("object %d %d truncated", num, gen)
		}
		return nil, err
	}
	if p.IsKeyword("stream") {
		dict, ok := obj.(Dict)
		if !ok {
			return nil, Formatf("object %d %d: stream without dictionary", num, gen)
		}
		if obj, err = p.parseStream(dict); err != nil {
			return nil, err
		}
	}
	if p.IsKeyword("endobj") {
		p.advance()
	}
	return &IndirectObject{Ref: IndirectRef{Number: int(num), Generation: int(gen)}, Object: obj}, nil
}

var endstreamKeyword = []byte("endstream")

func (p *Parser) parseStream(dict Dict) (*Stream, error) {
	length := -1
	switch v := dict["Length"].(type) {
	case Int:
		length = int(v)
	case IndirectRef:
		if p.resolver != nil {
			resolved, err := p.resolver.ResolveReference(v)
			if err != nil {
				return nil, err
			}
			if n, ok := resolved.(Int); ok {
				length = int(n)
			}
		}
	}

	if err := p.lex.SkipStreamEOL(); err != nil && err != io.EOF {
		return nil, err
	}
	start := p.lex.Pos()

	if length >= 0 && (p.src == nil || start+int64(length) <= p.size) {
		data, err := p.lex.ReadBytes(length)
		if err != nil && (IsMissingData(err) || p.src == nil) {
			return nil, err
		}
		if err == nil {
			tok, terr := p.lex.NextToken()
			if terr != nil && IsMissingData(terr) {
				return nil, terr
			}
			if terr == nil && tok.Type == TokenKeyword && bytes.Equal(tok.Value, endstreamKeyword) {
				p.cur, p.peek = nil, nil
				p.advance()
				p.advance()
				return &Stream{Dict: dict, Data: data}, nil
			}
		}
		if p.src == nil {
			return nil, Formatf("stream at offset %d: missing endstream", start)
		}
	}
	if p.src == nil {
		return nil, Formatf("stream at offset %d: invalid length", start)
	}
	return p.recoverStream(dict, start)
}

// recoverStream locates "endstream" by scanning and re-synchronizes the
// lexer after it.
func (p *Parser) recoverStream(dict Dict, start int64) (*Stream, error) {
	end, err := FindKeyword(p.src, start, p.size, endstreamKeyword)
	if err != nil {
		return nil, err
	}
	if end < 0 {
		return nil, Formatf("stream at offset %d: no endstream", start)
	}
	data := make([]byte, end-start)
	if _, err := p.src.ReadAt(data, start); err != nil && err != io.EOF {
		return nil, err
	}
	data = bytes.TrimSuffix(data, []byte("\n"))
	data = bytes.TrimSuffix(data, []byte("\r"))
	p.reset(end + int64(len(endstreamKeyword)))
	return &Stream{Dict: dict, Data: data}, nil
}

// FindKeyword returns the offset of the first occurrence of kw in
// [from, limit), or -1.
func FindKeyword(src io.ReaderAt, from, limit int64, kw []byte) (int64, error) {
	const window = 4096
	buf := make([]byte, window+len(kw))
	for pos := from; pos < limit; pos += window {
		n := int64(len(buf))
		if pos+n > limit {
			n = limit - pos
		}
		got, err := src.ReadAt(buf[:n], pos)
		if err != nil && err != io.EOF && got < int(n) {
			return -1, err
		}
		if i := bytes.Index(buf[:got], kw); i >= 0 {
			return pos + int64(i), nil
		}
	}
	return -1, nil
}
